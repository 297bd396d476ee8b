package llm

// Schema 描述结构化输出要求的 JSON 结构，可转换为 OpenAI json_schema 或 Gemini ResponseSchema。
type Schema struct {
	Name        string
	Description string
	Root        *Property
}

// Property 是 JSON Schema 的一个节点，仅覆盖 object / array / string 等基础类型。
type Property struct {
	Type        string // object | array | string | number | integer | boolean
	Description string
	Properties  map[string]*Property
	Required    []string
	Items       *Property
}

// Object 创建一个对象节点，所有字段均为必填。
func Object(fields ...Field) *Property {
	p := &Property{Type: "object", Properties: make(map[string]*Property, len(fields))}
	for _, f := range fields {
		p.Properties[f.Name] = f.Property
		p.Required = append(p.Required, f.Name)
	}
	return p
}

// Field 是对象中的一个命名字段。
type Field struct {
	Name     string
	Property *Property
}

// String 创建字符串节点。
func String(description string) *Property {
	return &Property{Type: "string", Description: description}
}

// ArrayOf 创建数组节点。
func ArrayOf(description string, items *Property) *Property {
	return &Property{Type: "array", Description: description, Items: items}
}

// JSONSchema 转换为 JSON Schema（strict 模式：不允许额外字段）。
func (p *Property) JSONSchema() map[string]interface{} {
	out := map[string]interface{}{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	switch p.Type {
	case "object":
		props := make(map[string]interface{}, len(p.Properties))
		for name, child := range p.Properties {
			props[name] = child.JSONSchema()
		}
		out["properties"] = props
		out["required"] = p.Required
		out["additionalProperties"] = false
	case "array":
		if p.Items != nil {
			out["items"] = p.Items.JSONSchema()
		}
	}
	return out
}
