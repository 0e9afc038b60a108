package sanitize

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const boostedFixture = `--- Page 1 ---
Circonscription foncière: Montréal
Cadastre: Cadastre du Québec
Lot: 1 234 567

Ligne 1:
Date de présentation d'inscription: 2003-04-17
Numéro: Option 1: 5 512 345 (Confiance: 92%)
Option 2: 5 512 845 (Confiance: 8%)
Nature de l'acte: Vente
Qualité: 1ere partie, 2ième partie
Nom des parties: TREMBLAY, Jean MARTIN, Marie
Remarques: [Vide]
Radiations: [Vide]

Ligne 2:
Date de présentation d'inscription: 2005-09-02
Numéro: 12 987 654
Nature de l'acte: Hypothèque
Qualité: Créancier Débiteur
Nom des parties: Banque Nationale du Canada
Remarques: 250 000 $
Radiations: [Vide]

--- Page 2 ---
Circonscription foncière: Montréal
Cadastre: Cadastre du Québec
Lot: 1 234 568

Ligne 1:
Date de présentation d'inscription: [Vide]
Numéro: 9 111 222
Nature de l'acte: Servitude
Qualité: [Vide]
Nom des parties: [Vide]
Remarques: [Vide]
Radiations: [Vide]
`

func TestSanitizeFixture(t *testing.T) {
	doc, warnings := Sanitize(boostedFixture)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(doc.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(doc.Pages))
	}

	p1 := doc.Pages[0]
	if p1.PageNumber != 1 {
		t.Errorf("page number = %d, want 1", p1.PageNumber)
	}
	if got := deref(p1.Metadata.Circonscription); got != "Montréal" {
		t.Errorf("circonscription = %q", got)
	}
	if got := deref(p1.Metadata.LotNumber); got != "1 234 567" {
		t.Errorf("lot_number = %q", got)
	}
	if len(p1.Inscriptions) != 2 {
		t.Fatalf("page 1 inscriptions = %d, want 2", len(p1.Inscriptions))
	}

	first := p1.Inscriptions[0]
	if got := deref(first.ActePublicationNumber); got != "5 512 345" {
		t.Errorf("option 1 not preferred: numero = %q", got)
	}
	if got := deref(first.ActeNature); got != "Vente" {
		t.Errorf("nature = %q", got)
	}
	if first.Remarques != nil {
		t.Errorf("remarques should be null, got %q", *first.Remarques)
	}
	if len(first.Parties) != 2 {
		t.Fatalf("parties = %v, want 2 entries", first.Parties)
	}
	if first.Parties[0].Name != "TREMBLAY, Jean" || first.Parties[1].Name != "MARTIN, Marie" {
		t.Errorf("party split wrong: %v", first.Parties)
	}

	second := p1.Inscriptions[1]
	if len(second.Parties) != 1 {
		t.Fatalf("compound role should stay one party, got %v", second.Parties)
	}
	if second.Parties[0].Role != "Créancier Débiteur" {
		t.Errorf("compound role altered: %q", second.Parties[0].Role)
	}

	p2 := doc.Pages[1]
	if p2.PageNumber != 2 {
		t.Errorf("page number = %d, want 2", p2.PageNumber)
	}
	if len(p2.Inscriptions) != 1 {
		t.Fatalf("page 2 inscriptions = %d, want 1", len(p2.Inscriptions))
	}
	if p2.Inscriptions[0].ActePublicationDate != nil {
		t.Errorf("[Vide] date should be null")
	}
	if len(p2.Inscriptions[0].Parties) != 0 {
		t.Errorf("[Vide] parties should be empty, got %v", p2.Inscriptions[0].Parties)
	}
}

func TestSanitizeIsPure(t *testing.T) {
	a, _ := Sanitize(boostedFixture)
	b, _ := Sanitize(boostedFixture)

	ja, err := a.MarshalStable()
	if err != nil {
		t.Fatal(err)
	}
	jb, err := b.MarshalStable()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(ja, jb) {
		t.Error("equal inputs produced different serialized output")
	}
}

func TestSanitizeBoundaries(t *testing.T) {
	t.Run("no page marker means page 1", func(t *testing.T) {
		doc, _ := Sanitize("Ligne 1:\nNuméro: 42\n")
		if len(doc.Pages) != 1 || doc.Pages[0].PageNumber != 1 {
			t.Fatalf("pages = %+v", doc.Pages)
		}
		if got := deref(doc.Pages[0].Inscriptions[0].ActePublicationNumber); got != "42" {
			t.Errorf("numero = %q", got)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		doc, warnings := Sanitize("   \n  ")
		if len(doc.Pages) != 0 {
			t.Errorf("pages = %d, want 0", len(doc.Pages))
		}
		if len(warnings) != 0 {
			t.Errorf("warnings = %v", warnings)
		}
	})

	t.Run("malformed input never fails", func(t *testing.T) {
		garbage := strings.Repeat("%$#@!{}[]()=+ garbled OCR noise ", 40)
		doc, warnings := Sanitize(garbage)
		if len(doc.Pages) != 1 {
			t.Fatalf("pages = %d, want 1", len(doc.Pages))
		}
		if len(doc.Pages[0].Inscriptions) != 0 {
			t.Errorf("garbage should yield no inscriptions")
		}
		if len(warnings) != 1 {
			t.Fatalf("want one audit warning, got %v", warnings)
		}
		if len(warnings[0].Message) > 600 {
			t.Errorf("warning should carry a bounded input head, len=%d", len(warnings[0].Message))
		}
	})

	t.Run("marshal uses exact keys", func(t *testing.T) {
		doc, _ := Sanitize(boostedFixture)
		out, err := doc.MarshalStable()
		if err != nil {
			t.Fatal(err)
		}
		for _, key := range []string{
			`"pages"`, `"pageNumber"`, `"metadata"`, `"circonscription"`,
			`"cadastre"`, `"lot_number"`, `"inscriptions"`,
			`"acte_publication_date"`, `"acte_publication_number"`,
			`"acte_nature"`, `"parties"`, `"name"`, `"role"`,
			`"remarques"`, `"radiation_number"`,
		} {
			if !strings.Contains(string(out), key) {
				t.Errorf("serialized output missing key %s", key)
			}
		}
	})
}

func TestSanitizeOutputMatchesSchema(t *testing.T) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("sanitized.json", strings.NewReader(Schema)); err != nil {
		t.Fatal(err)
	}
	sch, err := compiler.Compile("sanitized.json")
	if err != nil {
		t.Fatal(err)
	}

	inputs := []string{
		boostedFixture,
		"",
		"Ligne 1:\nNuméro: 42\n",
		"free text with no structure at all, long enough to trip the content check",
	}
	for _, input := range inputs {
		doc, _ := Sanitize(input)
		out, err := doc.MarshalStable()
		if err != nil {
			t.Fatal(err)
		}
		var v any
		if err := json.Unmarshal(out, &v); err != nil {
			t.Fatalf("output is not JSON: %v", err)
		}
		if err := sch.Validate(v); err != nil {
			t.Errorf("schema violation for input %.40q: %v", input, err)
		}
	}
}

// partyCase fixtures live as YAML so new edge cases are cheap to add.
type partyCase struct {
	Name    string `yaml:"name"`
	Qualite string `yaml:"qualite"`
	Parties string `yaml:"parties"`
	Want    []struct {
		Name string `yaml:"name"`
		Role string `yaml:"role"`
	} `yaml:"want"`
}

const partyFixtures = `
- name: two indicators split positionally
  qualite: "1ere partie, 2ième partie"
  parties: "GAGNON, Pierre ROY, Lucie"
  want:
    - {name: "GAGNON, Pierre", role: "1ere partie"}
    - {name: "ROY, Lucie", role: "2ième partie"}

- name: single role stays verbatim
  qualite: "Vendeur"
  parties: "BOUCHARD, Anne"
  want:
    - {name: "BOUCHARD, Anne", role: "Vendeur"}

- name: compound role never splits
  qualite: "Créancier Débiteur"
  parties: "Caisse Desjardins BERGERON, Paul"
  want:
    - {name: "Caisse Desjardins BERGERON, Paul", role: "Créancier Débiteur"}

- name: indicator count exceeding boundaries falls back
  qualite: "1ere partie, 2ième partie, 3ième partie"
  parties: "LAVOIE, Marc"
  want:
    - {name: "LAVOIE, Marc", role: "1ere partie, 2ième partie, 3ième partie"}

- name: accented surname boundary
  qualite: "1ere partie et 2ième partie"
  parties: "CÔTÉ, Sylvie LÉVESQUE, Denis"
  want:
    - {name: "CÔTÉ, Sylvie", role: "1ere partie"}
    - {name: "LÉVESQUE, Denis", role: "2ième partie"}
`

func TestParseParties(t *testing.T) {
	var cases []partyCase
	if err := yaml.Unmarshal([]byte(partyFixtures), &cases); err != nil {
		t.Fatal(err)
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			got := parseParties(&tc.Qualite, &tc.Parties)
			if len(got) != len(tc.Want) {
				t.Fatalf("got %d parties %v, want %d", len(got), got, len(tc.Want))
			}
			for i := range got {
				if got[i].Name != tc.Want[i].Name || got[i].Role != tc.Want[i].Role {
					t.Errorf("party %d = %+v, want %+v", i, got[i], tc.Want[i])
				}
			}
		})
	}
}

func TestParsePartiesNil(t *testing.T) {
	if got := parseParties(nil, nil); len(got) != 0 {
		t.Errorf("nil inputs should yield no parties, got %v", got)
	}
	role := "Vendeur"
	if got := parseParties(&role, nil); len(got) != 0 {
		t.Errorf("nil names should yield no parties, got %v", got)
	}
}

func deref(p *string) string {
	if p == nil {
		return "<nil>"
	}
	return *p
}
