package analyst

import (
	"encoding/json"

	"github.com/talentbase/resumeflow/pkg/llm"
)

// resumeSchemaJSON is the structured-output contract shared by every
// provider. Contact fields carry the masking placeholders verbatim; the
// originals never leave the process.
const resumeSchemaJSON = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "phone": {"type": "string"},
    "email": {"type": "string"},
    "address": {"type": "string"},
    "birth_year": {"type": "integer"},
    "exp_years": {"type": "number"},
    "current_company": {"type": "string"},
    "current_position": {"type": "string"},
    "careers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "company": {"type": "string"},
          "position": {"type": "string"},
          "start_date": {"type": "string"},
          "end_date": {"type": "string"},
          "is_current": {"type": "boolean"},
          "description": {"type": "string"}
        },
        "required": ["company"]
      }
    },
    "educations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "school": {"type": "string"},
          "major": {"type": "string"},
          "degree": {"type": "string"},
          "start_date": {"type": "string"},
          "end_date": {"type": "string"}
        },
        "required": ["school"]
      }
    },
    "skills": {"type": "array", "items": {"type": "string"}},
    "projects": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "role": {"type": "string"},
          "period": {"type": "string"},
          "tech_stack": {"type": "array", "items": {"type": "string"}},
          "description": {"type": "string"}
        },
        "required": ["name"]
      }
    },
    "urls": {"type": "array", "items": {"type": "string"}},
    "summary": {"type": "string"},
    "strengths": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["name", "careers", "skills"]
}`

const extractionSystemPrompt = `You are a résumé analysis engine. Extract the candidate's structured data from the document below and return only JSON conforming to the schema. Dates use YYYY-MM. Contact details may appear as [NAME], [PHONE], or [EMAIL] placeholders; copy those placeholders verbatim into the corresponding fields. Do not invent values that are not supported by the document text. Write the summary in the document's primary language.`

// resumeSchema builds the shared schema for manager calls.
func resumeSchema() *llm.Schema {
	return &llm.Schema{Name: "resume_extraction", Definition: json.RawMessage(resumeSchemaJSON)}
}
