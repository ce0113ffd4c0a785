package core_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/previsora/cobranza-engine/core"
)

func TestNormalizeMethod_FoldsSynonyms(t *testing.T) {
	cases := map[string]core.PaymentMethod{
		"cash":           core.MethodCash,
		"Efectivo":       core.MethodCash,
		"":               core.MethodCash,
		"transfer":       core.MethodTransfer,
		"transferencia":  core.MethodTransfer,
		"wire":           core.MethodTransfer,
		"card":           core.MethodCard,
		"tarjeta":        core.MethodCard,
		"debito":         core.MethodCard,
		"qr":             core.MethodQR,
		"QR":             core.MethodQR,
		"billetera":      core.MethodQR,
		"mercadopago":    core.MethodQR,
		"cheque":         core.MethodOther,
		"  EFECTIVO  ":   core.MethodCash,
		"something else": core.MethodOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, core.NormalizeMethod(in), "input %q", in)
	}
}
