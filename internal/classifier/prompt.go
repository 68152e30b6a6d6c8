package classifier

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxArticleChars truncates very long article bodies (~6K tokens).
const maxArticleChars = 24000

const systemPrompt = `You are a regulatory compliance analyst. You receive one article of a legal basis and one compliance requirement.

Decide two things:
- isObligatory: the article itself imposes the duty stated in the requirement's mandatory description or matches its mandatory keywords.
- isComplementary: the article does not impose that duty but details, conditions or supports it as stated in the complementary description or keywords.

An article can be neither. Judge only from the text given; do not assume content from other articles.
Answer by calling the record_verdict tool and nothing else.`

func buildUserPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("## Legal basis\n")
	writeField(&b, "Name", req.LegalBasis.Name)
	writeField(&b, "Abbreviation", req.LegalBasis.Abbreviation)
	writeField(&b, "Classification", req.LegalBasis.Classification)
	writeField(&b, "Jurisdiction", string(req.LegalBasis.Jurisdiction))

	b.WriteString("\n## Article\n")
	writeField(&b, "Title", req.Article.Name)
	body := req.Article.Body
	if len(body) > maxArticleChars {
		body = truncateUTF8(body, maxArticleChars)
	}
	b.WriteString("Text:\n")
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")

	r := req.Requirement
	b.WriteString("\n## Requirement\n")
	writeField(&b, "Number", r.Number)
	writeField(&b, "Name", r.Name)
	writeField(&b, "Mandatory description", r.MandatoryDescription)
	writeField(&b, "Mandatory keywords", r.MandatoryKeywords)
	writeField(&b, "Complementary description", r.ComplementaryDescription)
	writeField(&b, "Complementary keywords", r.ComplementaryKeywords)
	writeField(&b, "Condition", r.Condition)
	writeField(&b, "Evidence", r.EvidenceType)
	writeField(&b, "Periodicity", r.Periodicity)

	// Source documents mix composed and decomposed accents.
	return norm.NFC.String(b.String())
}

func writeField(b *strings.Builder, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
