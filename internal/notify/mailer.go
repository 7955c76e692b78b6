// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

/*
Package notify delivers operator-facing notifications.

The portal currently sends exactly one kind of message: the activation link a
newly provisioned (or re-activated) user needs to set their password. Delivery
is best-effort by contract; a failed or disabled mailer never aborts the
provisioning transaction that triggered it.
*/
package notify

import (
	"context"
	"log/slog"
)

// Mailer sends portal notifications to users.
type Mailer interface {
	// SendActivation delivers an activation code to the given address.
	SendActivation(ctx context.Context, email, fullName, code string) error
}

// LogMailer is the default [Mailer]: it writes the would-be delivery to the
// structured log. Used when EMAIL_ENABLED is off and in every non-production
// environment, so activation codes stay retrievable by operators without an
// SMTP dependency.
type LogMailer struct {
	enabled bool
	log     *slog.Logger
}

// NewLogMailer constructs a [LogMailer]. With enabled false the mailer only
// records that a delivery was suppressed, without the code.
func NewLogMailer(enabled bool, logger *slog.Logger) *LogMailer {
	return &LogMailer{enabled: enabled, log: logger}
}

// SendActivation implements [Mailer].
func (mailer *LogMailer) SendActivation(ctx context.Context, email, fullName, code string) error {
	if !mailer.enabled {
		mailer.log.InfoContext(ctx, "activation_mail_suppressed",
			slog.String("email", email),
		)
		return nil
	}

	mailer.log.InfoContext(ctx, "activation_mail_sent",
		slog.String("email", email),
		slog.String("full_name", fullName),
		slog.String("code", code),
	)
	return nil
}
