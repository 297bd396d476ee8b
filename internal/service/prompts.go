package service

import (
	"docqa-go/pkg/llm"

	"github.com/tmc/langchaingo/prompts"
)

const jsonFormatInstructions = "Respond with a single JSON object only, without code fences or commentary."

var summaryPrompt = prompts.PromptTemplate{
	Template: `Summarize the key findings of the medical note below. State the exact problem the patient presents with, ` +
		`the main complications, and the recommendations given.
{{.format_instructions}}

Medical note:
{{.text}}`,
	InputVariables:   []string{"text"},
	TemplateFormat:   prompts.TemplateFormatGoTemplate,
	PartialVariables: map[string]any{"format_instructions": jsonFormatInstructions},
}

var entitiesPrompt = prompts.PromptTemplate{
	Template: `Extract the following information from the medical note below: date of birth, date of admission, ` +
		`chief complaint, medications, procedures, and smoking history. ` +
		`Use an empty string or an empty list for anything the note does not mention.
{{.format_instructions}}

Medical note:
{{.text}}`,
	InputVariables:   []string{"text"},
	TemplateFormat:   prompts.TemplateFormatGoTemplate,
	PartialVariables: map[string]any{"format_instructions": jsonFormatInstructions},
}

var answerPrompt = prompts.NewPromptTemplate(
	`Task: Answer the question based on the context below. If the context does not contain the answer, say so.

Context:
{{.context}}

Question: {{.question}}`,
	[]string{"context", "question"},
)

// clarifyInstruction 在结构化输出解析失败后追加，要求模型重新输出。
var clarifyInstruction = prompts.NewPromptTemplate(
	`Your previous reply could not be used: {{.problem}}. `+
		`Reply again with only a JSON object that has exactly these keys: {{.keys}}.`,
	[]string{"problem", "keys"},
)

var summarySchema = &llm.Schema{
	Name:        "summary",
	Description: "Summary of a medical note",
	Root: llm.Object(
		llm.Field{Name: "problem", Property: llm.String("The exact problem the patient presents with")},
		llm.Field{Name: "complications", Property: llm.String("The main complications")},
		llm.Field{Name: "recommendations", Property: llm.String("The recommendations given")},
	),
}

var entitiesSchema = &llm.Schema{
	Name:        "entities",
	Description: "Entities extracted from a medical note",
	Root: llm.Object(
		llm.Field{Name: "date_of_birth", Property: llm.String("Patient date of birth, empty if absent")},
		llm.Field{Name: "date_of_admission", Property: llm.String("Date of admission, empty if absent")},
		llm.Field{Name: "chief_complaint", Property: llm.String("Chief complaint, empty if absent")},
		llm.Field{Name: "medications", Property: llm.ArrayOf("Medications mentioned", llm.String(""))},
		llm.Field{Name: "procedures", Property: llm.ArrayOf("Procedures mentioned", llm.String(""))},
		llm.Field{Name: "smoking_history", Property: llm.String("Smoking history, empty if absent")},
	),
}
