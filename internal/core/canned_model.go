package core

import (
	"context"
	"strings"
)

// ClosingPhrase ends every answer.
const ClosingPhrase = "para jugar en jugarenchile.com"

// CannedResponse picks a fixed answer by keyword. It backs the offline model
// and the fallback when a model call fails.
func CannedResponse(query string) string {
	lower := strings.ToLower(query)
	switch {
	case strings.Contains(lower, "juego") && (strings.Contains(lower, "popular") || strings.Contains(lower, "mejor")):
		return "Los juegos más populares en JugarEnChile.com son Book of Dead, Starburst, Sweet Bonanza, Gates of Olympus y Wolf Gold. Todos ofrecen excelentes premios y entretenimiento garantizado " + ClosingPhrase
	case strings.Contains(lower, "deposit") || strings.Contains(lower, "dinero") || strings.Contains(lower, "pago"):
		return "Puedes depositar mediante transferencia bancaria, tarjetas Visa/Mastercard, Mercado Pago, Khipu o WebPay. Los depósitos son instantáneos y seguros " + ClosingPhrase
	case strings.Contains(lower, "retir") || strings.Contains(lower, "sacar"):
		return "Los retiros se procesan en 24-48 horas hábiles después de la verificación. El monto mínimo es $10.000 CLP " + ClosingPhrase
	case strings.Contains(lower, "bono") || strings.Contains(lower, "promoc"):
		return "Ofrecemos bonos de bienvenida para nuevos jugadores, giros gratis y cashback. Consulta términos y condiciones " + ClosingPhrase
	case strings.Contains(lower, "segur") || strings.Contains(lower, "confia"):
		return "JugarEnChile.com utiliza encriptación SSL de 256 bits, la misma tecnología que los bancos. Somos una plataforma 100% segura y legal " + ClosingPhrase
	}
	return "Gracias por tu consulta. En JugarEnChile.com ofrecemos una experiencia de casino online segura y responsable. Contamos con los mejores juegos, bonos atractivos y soporte 24/7 " + ClosingPhrase
}

// CannedModel answers without any API and reports zero tokens.
type CannedModel struct{}

func (CannedModel) Name() string { return "canned" }

func (CannedModel) Complete(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Text: CannedResponse(req.Message)}, nil
}
