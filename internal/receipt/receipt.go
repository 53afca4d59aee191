package receipt

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"kasircore/internal/domain"
)

const (
	Width          = 32
	WalkInCustomer = "Walk-in"
	timeLayout     = "2006-01-02 15:04:05"
)

type LineView struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type PaymentView struct {
	Label  string `json:"label"`
	Amount string `json:"amount"`
}

// View is the display form of a committed sale, shared by screen preview,
// plain-text export and the printer stream.
type View struct {
	BranchName    string        `json:"branch_name"`
	BranchAddress string        `json:"branch_address"`
	BranchPhone   string        `json:"branch_phone"`
	InvoiceNumber string        `json:"invoice_number"`
	Timestamp     string        `json:"timestamp"`
	Customer      string        `json:"customer"`
	Operator      string        `json:"operator,omitempty"`
	Lines         []LineView    `json:"lines"`
	Subtotal      string        `json:"subtotal"`
	Tax           string        `json:"tax"`
	Total         string        `json:"total"`
	Payments      []PaymentView `json:"payments"`
	Change        string        `json:"change,omitempty"`
	OpenDrawer    bool          `json:"-"`
}

// Format builds the receipt view. It reads nothing but its arguments, so equal
// inputs always yield equal views.
func Format(sale domain.Sale, branch domain.BranchIdentity) View {
	view := View{
		BranchName:    branch.Name,
		BranchAddress: branch.Address,
		BranchPhone:   branch.Phone,
		InvoiceNumber: sale.InvoiceNumber,
		Timestamp:     sale.CreatedAt.UTC().Format(timeLayout),
		Customer:      customerLabel(sale),
		Operator:      sale.OperatorID,
		Lines:         make([]LineView, 0, len(sale.Lines)),
		Subtotal:      sale.Subtotal.String(),
		Tax:           sale.TaxAmount.String(),
		Total:         sale.Total.String(),
		Payments:      make([]PaymentView, 0, len(sale.Payments)),
	}
	for _, line := range sale.Lines {
		view.Lines = append(view.Lines, LineView{
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.String(),
			LineTotal: line.Total().String(),
		})
	}
	for _, p := range sale.Payments {
		view.Payments = append(view.Payments, PaymentView{
			Label:  MethodLabel(p.Method),
			Amount: p.Amount.String(),
		})
		if p.Method == domain.MethodCash {
			view.OpenDrawer = true
		}
	}
	if sale.ChangeDue > 0 {
		view.Change = sale.ChangeDue.String()
	}
	return view
}

func customerLabel(sale domain.Sale) string {
	switch {
	case strings.TrimSpace(sale.CustomerName) != "":
		return sale.CustomerName
	case strings.TrimSpace(sale.CustomerID) != "":
		return sale.CustomerID
	default:
		return WalkInCustomer
	}
}

// MethodLabel renders a payment method code for people: "store_credit"
// becomes "Store Credit".
func MethodLabel(method domain.PaymentMethod) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(method.Code(), "_", " "))
}

// TextLines lays the view out in Width columns.
func (v View) TextLines() []string {
	rule := strings.Repeat("=", Width)
	thin := strings.Repeat("-", Width)

	lines := []string{center(v.BranchName)}
	if v.BranchAddress != "" {
		lines = append(lines, center(v.BranchAddress))
	}
	if v.BranchPhone != "" {
		lines = append(lines, center("Tel. "+v.BranchPhone))
	}
	lines = append(lines,
		rule,
		"Invoice : "+v.InvoiceNumber,
		"Date    : "+v.Timestamp,
		"Customer: "+v.Customer,
	)
	if v.Operator != "" {
		lines = append(lines, "Cashier : "+v.Operator)
	}
	lines = append(lines, thin)

	for _, l := range v.Lines {
		lines = append(lines, l.Name)
		lines = append(lines, spread(fmt.Sprintf("  %d x %s", l.Quantity, l.UnitPrice), l.LineTotal))
	}

	lines = append(lines,
		thin,
		spread("Subtotal", v.Subtotal),
		spread("Tax", v.Tax),
		spread("TOTAL", v.Total),
		thin,
	)
	for _, p := range v.Payments {
		lines = append(lines, spread(p.Label, p.Amount))
	}
	if v.Change != "" {
		lines = append(lines, spread("Change", v.Change))
	}
	lines = append(lines, rule, center("Thank you"))
	return lines
}

func (v View) Text() string {
	return strings.Join(v.TextLines(), "\n") + "\n"
}

// ESC/POS control sequences.
var (
	escInit       = []byte{0x1b, 0x40}
	escAlignLeft  = []byte{0x1b, 0x61, 0x00}
	escBoldOn     = []byte{0x1b, 0x45, 0x01}
	escBoldOff    = []byte{0x1b, 0x45, 0x00}
	escDrawerKick = []byte{0x1b, 0x70, 0x00, 0x19, 0xfa}
	escFeedAndCut = []byte{0x1d, 0x56, 0x41, 0x10}
)

// ESCPOS renders the receipt as a printer byte stream. Sales with a cash
// tender end with a drawer-kick pulse on pin 2.
func (v View) ESCPOS() []byte {
	out := append([]byte{}, escInit...)
	out = append(out, escAlignLeft...)
	totalLine := spread("TOTAL", v.Total)
	for _, line := range v.TextLines() {
		if line == totalLine {
			out = append(out, escBoldOn...)
			out = append(out, line...)
			out = append(out, '\n')
			out = append(out, escBoldOff...)
			continue
		}
		out = append(out, line...)
		out = append(out, '\n')
	}
	out = append(out, escFeedAndCut...)
	if v.OpenDrawer {
		out = append(out, escDrawerKick...)
	}
	return out
}

func spread(left string, right string) string {
	gap := Width - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(s string) string {
	n := utf8.RuneCountInString(s)
	if n >= Width {
		return s
	}
	return strings.Repeat(" ", (Width-n)/2) + s
}
