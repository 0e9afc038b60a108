package sanitize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Warning describes something the parser tolerated. The caller decides
// whether and how to log; the parse itself never fails.
type Warning struct {
	Page    int
	Message string
}

var (
	pageMarkerRe = regexp.MustCompile(`---\s*Page\s+(\d+)\s*---`)

	// Per-page metadata labels; first occurrence wins. Leading bullets and
	// decorations are tolerated.
	circonscriptionRe = regexp.MustCompile(`(?im)^[\s\-\*•·#>]*circonscription\s+fonci[eè]re\s*:\s*(.*)$`)
	cadastreRe        = regexp.MustCompile(`(?im)^[\s\-\*•·#>]*cadastre\s*:\s*(.*)$`)
	lotRe             = regexp.MustCompile(`(?im)^[\s\-\*•·#>]*lot\s*:\s*(.*)$`)

	// Inscription sections.
	ligneRe = regexp.MustCompile(`(?im)^[\s\-\*•·#>]*ligne\s+(\d+)\s*:`)

	// Verbose option form: Option 1 wins regardless of its confidence.
	option1Re = regexp.MustCompile(`(?i)option\s*1\s*:\s*(.*?)\s*\(\s*confiance\s*:\s*\d+\s*%\s*\)`)
)

// inscription field labels in boosted output. Apostrophes appear both
// typewriter and typographic.
var fieldLabels = map[string]*regexp.Regexp{
	"date":      labelRe(`date\s+de\s+pr[eé]sentation\s+d['’]inscription`),
	"numero":    labelRe(`num[eé]ro`),
	"nature":    labelRe(`nature\s+de\s+l['’]acte`),
	"qualite":   labelRe(`qualit[eé]`),
	"parties":   labelRe(`nom\s+des\s+parties`),
	"remarques": labelRe(`remarques`),
	"radiation": labelRe(`radiations?`),
}

// anyLabelRe marks where one field's chunk ends and the next begins.
var anyLabelRe = regexp.MustCompile(
	`(?im)^[\s\-\*•·#>]*(?:date\s+de\s+pr[eé]sentation\s+d['’]inscription|num[eé]ro|nature\s+de\s+l['’]acte|qualit[eé]|nom\s+des\s+parties|remarques|radiations?)\s*:`)

func labelRe(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?im)^[\s\-\*•·#>]*` + label + `\s*:[ \t]*(.*)$`)
}

// Sanitize converts verbose boosted text into the strict document shape.
// It is pure and total: equal inputs yield equal outputs, and malformed
// input degrades to a single page with no inscriptions plus a warning
// carrying the first ~500 characters for audit.
func Sanitize(text string) (*SanitizedDocument, []Warning) {
	var warnings []Warning
	doc := &SanitizedDocument{Pages: []Page{}}

	if strings.TrimSpace(text) == "" {
		return doc, warnings
	}

	for _, seg := range splitPages(text) {
		page := Page{
			PageNumber:   seg.number,
			Metadata:     parseMetadata(seg.body),
			Inscriptions: []Inscription{},
		}

		sections := splitInscriptions(seg.body)
		for _, sec := range sections {
			page.Inscriptions = append(page.Inscriptions, parseInscription(sec))
		}
		if len(sections) == 0 && looksLikeContent(seg.body) {
			warnings = append(warnings, Warning{
				Page:    seg.number,
				Message: fmt.Sprintf("no inscriptions recognized; input head: %s", head(seg.body, 500)),
			})
		}

		doc.Pages = append(doc.Pages, page)
	}

	return doc, warnings
}

type pageSegment struct {
	number int
	body   string
}

// splitPages cuts the input on "--- Page N ---" markers. Without markers
// the whole input is page 1.
func splitPages(text string) []pageSegment {
	matches := pageMarkerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []pageSegment{{number: 1, body: text}}
	}

	var segs []pageSegment
	for i, m := range matches {
		num, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || num < 1 {
			num = i + 1
		}
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		segs = append(segs, pageSegment{number: num, body: text[m[1]:end]})
	}
	return segs
}

func parseMetadata(body string) PageMetadata {
	return PageMetadata{
		Circonscription: firstMatch(circonscriptionRe, body),
		Cadastre:        firstMatch(cadastreRe, body),
		LotNumber:       firstMatch(lotRe, body),
	}
}

func firstMatch(re *regexp.Regexp, body string) *string {
	m := re.FindStringSubmatch(body)
	if m == nil {
		return nil
	}
	return normalize(m[1])
}

// splitInscriptions returns the "Ligne k:" sections in source order, each
// running to the start of the next section.
func splitInscriptions(body string) []string {
	locs := ligneRe.FindAllStringIndex(body, -1)
	var sections []string
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, body[loc[1]:end])
	}
	return sections
}

func parseInscription(section string) Inscription {
	ins := Inscription{Parties: []Party{}}

	ins.ActePublicationDate = extractField(section, "date")
	ins.ActePublicationNumber = extractField(section, "numero")
	ins.ActeNature = extractField(section, "nature")
	ins.Remarques = extractField(section, "remarques")
	ins.RadiationNumber = extractField(section, "radiation")

	qualite := extractField(section, "qualite")
	parties := extractField(section, "parties")
	ins.Parties = parseParties(qualite, parties)

	return ins
}

// extractField pulls one field's value out of an inscription section.
// The verbose "Option 1: <value> (Confiance: NN%)" form wins over the plain
// "Field: <value>" form; Option 1 is selected regardless of its confidence.
func extractField(section, field string) *string {
	re := fieldLabels[field]
	m := re.FindStringSubmatchIndex(section)
	if m == nil {
		return nil
	}

	// Chunk runs from the value start to the next label (or end of section),
	// so an Option block on the label line or on the following lines is
	// covered either way.
	chunk := section[m[2]:]
	if next := anyLabelRe.FindStringIndex(chunk); next != nil {
		chunk = chunk[:next[0]]
	}

	if opt := option1Re.FindStringSubmatch(chunk); opt != nil {
		return normalize(opt[1])
	}

	// Plain form: value is the remainder of the label line.
	return normalize(section[m[2]:m[3]])
}

// normalize trims whitespace and decorations; "" and "[Vide]" become nil.
func normalize(v string) *string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, "*_")
	v = strings.TrimSpace(v)
	if v == "" || strings.EqualFold(v, "[vide]") {
		return nil
	}
	return &v
}

// looksLikeContent reports whether a page body contains more than marker
// residue, so empty-page segments do not warn.
func looksLikeContent(body string) bool {
	return len(strings.TrimSpace(body)) > 40
}

func head(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
