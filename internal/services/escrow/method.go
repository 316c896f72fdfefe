package escrow

import (
	"regexp"
	"strings"
	"time"

	"github.com/Windi-Fikriyansyah/escrowd/internal/apperr"
	"github.com/Windi-Fikriyansyah/escrowd/internal/models"
)

// PaymentDetailsInput is what a client sends for a payment method. Only the
// validated subset in models.PaymentDetails is ever stored.
type PaymentDetailsInput struct {
	CardNumber    string `json:"card_number"`
	CardBrand     string `json:"card_brand"`
	ExpiryMonth   int    `json:"expiry_month"`
	ExpiryYear    int    `json:"expiry_year"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
	IFSCCode      string `json:"ifsc_code"`
}

var (
	cardDigits = regexp.MustCompile(`^[0-9]{12,19}$`)
	accountNo  = regexp.MustCompile(`^[0-9A-Za-z]{6,34}$`)
	ifsc       = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
)

func invalid(field, msg string) error {
	return apperr.Validation("", msg).WithDetail("field", field)
}

// validateFunding checks the instrument an employer funds escrow with.
func validateFunding(method models.PaymentMethod, in PaymentDetailsInput, now time.Time) (models.PaymentDetails, error) {
	switch method {
	case models.MethodCard:
		return validateCard(in, now)
	case models.MethodBankTransfer:
		return validateBank(in)
	}
	return models.PaymentDetails{}, invalid("payment_method", "payment method must be card or bank_transfer")
}

// validatePayout checks the destination of a withdrawal. Only bank transfers pay out.
func validatePayout(method models.PaymentMethod, in PaymentDetailsInput) (models.PaymentDetails, error) {
	if method != "" && method != models.MethodBankTransfer {
		return models.PaymentDetails{}, invalid("payment_method", "withdrawals are paid by bank_transfer only")
	}
	return validateBank(in)
}

func validateCard(in PaymentDetailsInput, now time.Time) (models.PaymentDetails, error) {
	number := strings.ReplaceAll(strings.ReplaceAll(in.CardNumber, " ", ""), "-", "")
	if !cardDigits.MatchString(number) {
		return models.PaymentDetails{}, invalid("card_number", "card number must be 12 to 19 digits")
	}
	brand := strings.TrimSpace(in.CardBrand)
	if brand == "" {
		return models.PaymentDetails{}, invalid("card_brand", "card brand is required")
	}
	if in.ExpiryMonth < 1 || in.ExpiryMonth > 12 {
		return models.PaymentDetails{}, invalid("expiry_month", "expiry month must be 1-12")
	}
	year, month := now.Year(), int(now.Month())
	if in.ExpiryYear < year || (in.ExpiryYear == year && in.ExpiryMonth < month) {
		return models.PaymentDetails{}, invalid("expiry_year", "card has expired")
	}
	return models.PaymentDetails{
		Last4:       number[len(number)-4:],
		Brand:       brand,
		ExpiryMonth: in.ExpiryMonth,
		ExpiryYear:  in.ExpiryYear,
	}, nil
}

func validateBank(in PaymentDetailsInput) (models.PaymentDetails, error) {
	account := strings.TrimSpace(in.AccountNumber)
	if !accountNo.MatchString(account) {
		return models.PaymentDetails{}, invalid("account_number", "bank account number is required")
	}
	bank := strings.TrimSpace(in.BankName)
	if bank == "" {
		return models.PaymentDetails{}, invalid("bank_name", "bank name is required")
	}
	code := strings.ToUpper(strings.TrimSpace(in.IFSCCode))
	if code != "" && !ifsc.MatchString(code) {
		return models.PaymentDetails{}, invalid("ifsc_code", "IFSC code is malformed")
	}
	return models.PaymentDetails{AccountNumber: account, BankName: bank, IFSCCode: code}, nil
}
