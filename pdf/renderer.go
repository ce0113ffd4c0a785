/*
renderer.go - receipt vouchers

Renders the printable receipt for a posted payment: serial, member,
the period breakdown, and the total. Files land under
<dir>/<year>/<serial>.pdf; the returned URI is the file path. Failures
here are survivable by design of the posting pipeline, so this package
never needs to be clever about retries.
*/

package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jung-kurt/gofpdf"
	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
	"github.com/previsora/cobranza-engine/payments"
)

// Renderer writes receipt PDFs to a directory tree.
type Renderer struct {
	Dir string
	// Org is the issuer name printed on the header.
	Org string
}

// NewRenderer creates a filesystem renderer rooted at dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{Dir: dir, Org: "Cooperativa Previsora"}
}

// Render produces the voucher and returns its path.
func (r *Renderer) Render(_ context.Context, in payments.RenderInput) (string, error) {
	dir := filepath.Join(r.Dir, fmt.Sprintf("%d", in.Receipt.Year))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create receipt dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%08d.pdf", in.Receipt.Serial))

	doc := gofpdf.New("L", "mm", "A5", "")
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 16)
	doc.Cell(0, 10, r.Org)
	doc.Ln(12)

	doc.SetFont("Helvetica", "", 11)
	doc.Cell(0, 7, fmt.Sprintf("Recibo N° %s", in.Receipt.Number()))
	doc.Ln(7)
	doc.Cell(0, 7, fmt.Sprintf("Socio: %s", core.MemberLabel(in.Member)))
	doc.Ln(7)
	doc.Cell(0, 7, fmt.Sprintf("Grupo: %d", in.Member.GroupID))
	doc.Ln(7)
	doc.Cell(0, 7, fmt.Sprintf("Cobrador: %s", in.AgentName))
	doc.Ln(7)
	if in.Payment.PostedAt != nil {
		doc.Cell(0, 7, fmt.Sprintf("Fecha: %s", in.Payment.PostedAt.Format("02/01/2006 15:04")))
		doc.Ln(10)
	}

	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(60, 7, "Período", "1", 0, "L", false, 0, "")
	doc.CellFormat(50, 7, "Importe", "1", 1, "R", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	for _, a := range in.Payment.Allocations {
		doc.CellFormat(60, 7, string(a.Period), "1", 0, "L", false, 0, "")
		doc.CellFormat(50, 7, formatAmount(a.Amount, in.Payment.Currency), "1", 1, "R", false, 0, "")
	}

	doc.SetFont("Helvetica", "B", 12)
	doc.CellFormat(60, 8, "TOTAL", "1", 0, "L", false, 0, "")
	doc.CellFormat(50, 8, formatAmount(in.Payment.Amount, in.Payment.Currency), "1", 1, "R", false, 0, "")

	doc.Ln(4)
	doc.SetFont("Helvetica", "", 8)
	doc.Cell(0, 5, fmt.Sprintf("Verificación: %s", in.Receipt.QRPayload))

	if err := doc.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("write receipt pdf: %w", err)
	}
	return path, nil
}

func formatAmount(d decimal.Decimal, c core.Currency) string {
	return fmt.Sprintf("%s %s", c, d.StringFixed(core.MoneyPlaces))
}
