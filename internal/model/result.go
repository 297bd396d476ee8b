package model

import "time"

// Summary 是摘要任务的结构化输出。三个键必须出现，值可以为空。
type Summary struct {
	Problem         string `json:"problem"`
	Complications   string `json:"complications"`
	Recommendations string `json:"recommendations"`
}

// Labeled 返回用于展示的标签与内容，顺序固定。
func (s Summary) Labeled() []LabeledField {
	return []LabeledField{
		{Label: "Problem", Value: s.Problem},
		{Label: "Main complications", Value: s.Complications},
		{Label: "Recommendations", Value: s.Recommendations},
	}
}

// LabeledField 是一条带标签的展示字段。
type LabeledField struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Entities 是实体抽取任务的结构化输出，缺失的字段为空字符串或空列表。
type Entities struct {
	DateOfBirth     string   `json:"date_of_birth"`
	DateOfAdmission string   `json:"date_of_admission"`
	ChiefComplaint  string   `json:"chief_complaint"`
	Medications     []string `json:"medications"`
	Procedures      []string `json:"procedures"`
	SmokingHistory  string   `json:"smoking_history"`
}

// QAExchange 是一次问答记录，保存在 Redis 中。
type QAExchange struct {
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Timestamp time.Time `json:"timestamp"`
}
