// Package token 提供了用于生成和验证 JSON Web Tokens (JWT) 的功能。
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTManager 负责管理 JWT 的生成和验证。
type JWTManager struct {
	secretKey      []byte        // secretKey 用于签名和验证 token 的密钥
	accessTokenDur time.Duration // accessTokenDur 定义了 access token 的有效期
}

// DocumentClaims 定义了文档访问令牌中存储的数据。
// 它嵌入了 jwt.RegisteredClaims 以包含标准的 JWT 声明（如过期时间）。
type DocumentClaims struct {
	DocumentID string `json:"documentId"`
	jwt.RegisteredClaims
}

// NewJWTManager 创建一个新的 JWTManager 实例。
// secret: 用于签名的密钥字符串。
// accessTokenExpireHours: token 的过期时间（小时）。
func NewJWTManager(secret string, accessTokenExpireHours int) *JWTManager {
	if accessTokenExpireHours <= 0 {
		accessTokenExpireHours = 24
	}
	return &JWTManager{
		secretKey:      []byte(secret),
		accessTokenDur: time.Hour * time.Duration(accessTokenExpireHours),
	}
}

// GenerateDocumentToken 为指定文档生成访问令牌。
func (m *JWTManager) GenerateDocumentToken(documentID string) (string, error) {
	now := time.Now()
	claims := DocumentClaims{
		DocumentID: documentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   documentID,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTokenDur)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	// 使用 HS256 签名方法创建新的 token 对象
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secretKey)
}

// VerifyToken 验证给定的 token 字符串。
// 如果 token 有效，它会返回 DocumentClaims 对象。
func (m *JWTManager) VerifyToken(tokenString string) (*DocumentClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DocumentClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 检查签名方法是否为 HMAC
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secretKey, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*DocumentClaims); ok && token.Valid && claims.DocumentID != "" {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}
