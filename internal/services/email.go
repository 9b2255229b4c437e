package services

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"school_billing_echo/internal/models"
	"school_billing_echo/internal/money"
)

type EmailService struct {
	host     string
	port     string
	user     string
	password string
	from     string
	loginURL string

	// swapped in tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailService(loginURL string) *EmailService {
	return &EmailService{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		user:     os.Getenv("SMTP_USER"),
		password: os.Getenv("SMTP_PASS"),
		from:     os.Getenv("EMAIL_FROM"),
		loginURL: loginURL,
		send:     smtp.SendMail,
	}
}

func (s *EmailService) SendEmail(to []string, subject, body string) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}
	if s.host == "" || s.port == "" || s.user == "" || s.password == "" {
		return fmt.Errorf("SMTP credentials not fully configured")
	}

	auth := smtp.PlainAuth("", s.user, s.password, s.host)

	message := []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n"+
		"\r\n"+
		"%s\r\n", s.from, strings.Join(to, ", "), subject, body))

	addr := fmt.Sprintf("%s:%s", s.host, s.port)

	if err := s.send(addr, auth, s.from, to, message); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *EmailService) SendWelcomeEmail(_ context.Context, msg WelcomeEmail) error {
	role := "parent"
	if msg.Role == models.UserTypeStudent {
		role = "student"
	}
	body := fmt.Sprintf("Hello %s,\n\n"+
		"Your %s account has been created. You can sign in with this email address at %s.\n\n"+
		"Welcome aboard!", msg.Name, role, s.loginURL)
	return s.SendEmail([]string{msg.To}, "Welcome to the school portal", body)
}

func (s *EmailService) SendReceiptEmail(_ context.Context, r Receipt) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", r.ParentName)
	fmt.Fprintf(&b, "We received your payment of %s on %s.\n\n", money.Format(r.AmountMinor, r.Currency), r.PaidAt.Format("02 Jan 2006"))
	if r.InvoiceNumber != "" {
		fmt.Fprintf(&b, "Invoice: %s\n", r.InvoiceNumber)
	}
	if r.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", r.Description)
	}
	fmt.Fprintf(&b, "Reference: %s\n\nThank you.", r.TransactionID)

	subject := "Payment receipt"
	if r.InvoiceNumber != "" {
		subject = "Payment receipt for " + r.InvoiceNumber
	}
	return s.SendEmail([]string{r.To}, subject, b.String())
}

// SendInvoiceEmail tells a parent a new invoice is waiting
func (s *EmailService) SendInvoiceEmail(to, parentName string, inv *models.Invoice) error {
	body := fmt.Sprintf("Hello %s,\n\n"+
		"Invoice %s for %s is due on %s.\n"+
		"You can review and pay it at %s.\n",
		parentName, inv.InvoiceNumber, money.Format(inv.Outstanding(), inv.Currency), inv.DueDate.Format("02 Jan 2006"), s.loginURL)
	return s.SendEmail([]string{to}, "New invoice "+inv.InvoiceNumber, body)
}
