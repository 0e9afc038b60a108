package sanitize

import (
	"encoding/json"
)

// SanitizedDocument is the strict output schema for index jobs. Downstream
// consumers parse file_content as exactly this shape; key names and nesting
// are a contract.
type SanitizedDocument struct {
	Pages []Page `json:"pages"`
}

// Page is one registry page with its header metadata and line items.
type Page struct {
	PageNumber   int           `json:"pageNumber"`
	Metadata     PageMetadata  `json:"metadata"`
	Inscriptions []Inscription `json:"inscriptions"`
}

// PageMetadata holds the per-page header fields; missing fields are null.
type PageMetadata struct {
	Circonscription *string `json:"circonscription"`
	Cadastre        *string `json:"cadastre"`
	LotNumber       *string `json:"lot_number"`
}

// Inscription is one recorded act (a "Ligne N:" section).
type Inscription struct {
	ActePublicationDate   *string `json:"acte_publication_date"`
	ActePublicationNumber *string `json:"acte_publication_number"`
	ActeNature            *string `json:"acte_nature"`
	Parties               []Party `json:"parties"`
	Remarques             *string `json:"remarques"`
	RadiationNumber       *string `json:"radiation_number"`
}

// Party is one named participant with its role.
type Party struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// MarshalStable serializes the document with the fixed key order given by
// the struct definitions. Equal documents produce identical bytes.
func (d *SanitizedDocument) MarshalStable() ([]byte, error) {
	return json.Marshal(d)
}

// Schema is the JSON Schema the output must satisfy; exercised by tests.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["pages"],
  "properties": {
    "pages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["pageNumber", "metadata", "inscriptions"],
        "properties": {
          "pageNumber": {"type": "integer", "minimum": 1},
          "metadata": {
            "type": "object",
            "required": ["circonscription", "cadastre", "lot_number"],
            "properties": {
              "circonscription": {"type": ["string", "null"]},
              "cadastre": {"type": ["string", "null"]},
              "lot_number": {"type": ["string", "null"]}
            }
          },
          "inscriptions": {
            "type": "array",
            "items": {
              "type": "object",
              "required": [
                "acte_publication_date", "acte_publication_number",
                "acte_nature", "parties", "remarques", "radiation_number"
              ],
              "properties": {
                "acte_publication_date": {"type": ["string", "null"]},
                "acte_publication_number": {"type": ["string", "null"]},
                "acte_nature": {"type": ["string", "null"]},
                "parties": {
                  "type": "array",
                  "items": {
                    "type": "object",
                    "required": ["name", "role"],
                    "properties": {
                      "name": {"type": "string"},
                      "role": {"type": "string"}
                    }
                  }
                },
                "remarques": {"type": ["string", "null"]},
                "radiation_number": {"type": ["string", "null"]}
              }
            }
          }
        }
      }
    }
  }
}`
