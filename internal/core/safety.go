package core

import "strings"

// DefaultSafetyPhrases flag messages that suggest problem gambling.
var DefaultSafetyPhrases = []string{
	"no puedo parar",
	"he perdido mucho",
	"necesito recuperar",
	"estoy en deuda",
	"mi familia",
	"adicto",
	"ayuda",
	"problema",
	"controlar",
	"demasiado dinero",
}

// SupportMessage replaces the generated answer when a message is flagged.
const SupportMessage = `Entiendo tu preocupación. Es valiente buscar ayuda.

Te recomiendo:
1. Línea de Ayuda: 600 360 7777 (SENDA Chile)
2. Jugadores Anónimos Chile
3. Autoexclusión en tu cuenta

Pedir ayuda es fortaleza. ¿Te ayudo a configurar límites en tu cuenta?`

// SafetyClassifier is a case-insensitive substring matcher. Short phrases
// like "ayuda" match broadly; false positives are expected.
type SafetyClassifier struct {
	phrases []string
}

func NewSafetyClassifier(phrases []string) *SafetyClassifier {
	if len(phrases) == 0 {
		phrases = DefaultSafetyPhrases
	}
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return &SafetyClassifier{phrases: lowered}
}

// Detect reports whether text contains any configured phrase.
func (c *SafetyClassifier) Detect(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range c.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (c *SafetyClassifier) SupportResponse() string {
	return SupportMessage
}
