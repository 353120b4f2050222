// Package generator produces the synthetic payloads producers publish.
package generator

import (
	"fmt"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/brianvoe/gofakeit/v6"
)

const (
	StyleSentence  = "sentence"
	StyleParagraph = "paragraph"
)

// Generator returns a fresh payload on every call.
type Generator interface {
	Generate() models.Payload
}

type fakeGenerator struct {
	faker *gofakeit.Faker
	style string
}

// NewFakeGenerator builds a generator backed by gofakeit. A zero seed draws
// one from crypto/rand.
func NewFakeGenerator(style string, seed int64) (Generator, error) {
	if style != StyleSentence && style != StyleParagraph {
		return nil, fmt.Errorf("unknown content style %q", style)
	}
	return &fakeGenerator{faker: gofakeit.New(seed), style: style}, nil
}

func (g *fakeGenerator) Generate() models.Payload {
	var content string
	if g.style == StyleParagraph {
		content = g.faker.Paragraph(1, 4, 12, " ")
	} else {
		content = g.faker.Sentence(8)
	}
	return models.Payload{
		Name:    g.faker.Name(),
		Email:   g.faker.Email(),
		Content: content,
	}
}
