// Package main is a small client that submits a test message to a
// running smtpcatch instance.
package main

import (
	"flag"
	"log"

	"github.com/wneessen/go-mail"
)

func main() {
	host := flag.String("host", "localhost", "smtpcatch host")
	port := flag.Int("port", 2525, "smtpcatch SMTP port")
	user := flag.String("user", "", "AUTH username (optional)")
	pass := flag.String("pass", "", "AUTH password (optional)")
	starttls := flag.Bool("starttls", false, "use STARTTLS (requires an uploaded certificate)")
	flag.Parse()

	m := mail.NewMsg()
	if err := m.From("sender@example.com"); err != nil {
		log.Fatalf("failed to set From address: %s", err)
	}
	if err := m.To("recipient@example.com"); err != nil {
		log.Fatalf("failed to set To address: %s", err)
	}
	m.Subject("smtpcatch test message")
	m.SetBodyString(mail.TypeTextPlain, "If you can read this in the inbox view, capture works.")

	opts := []mail.Option{
		mail.WithPort(*port),
		mail.WithTLSPolicy(mail.NoTLS),
	}
	if *starttls {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	if *user != "" && *pass != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(*user),
			mail.WithPassword(*pass),
		)
	}

	c, err := mail.NewClient(*host, opts...)
	if err != nil {
		log.Fatalf("failed to create mail client: %s", err)
	}

	if err := c.DialAndSend(m); err != nil {
		log.Fatalf("failed to send mail: %s", err)
	}
	log.Println("test message delivered")
}
