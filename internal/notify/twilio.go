package notify

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
)

type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioSMS sends notifications as SMS. Push contacts are declined.
type TwilioSMS struct {
	api  messageAPI
	from string
}

// NewTwilioSMS builds the gateway from credentials.
func NewTwilioSMS(cfg config.TwilioConfig) *TwilioSMS {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSMS{api: client.Api, from: cfg.FromNumber}
}

func (g *TwilioSMS) Notify(ctx context.Context, n Notification) (bool, error) {
	if n.Contact.Kind != domain.ContactKindPhone {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.Contact.Value)
	params.SetFrom(g.from)
	params.SetBody(n.Message)
	if _, err := g.api.CreateMessage(params); err != nil {
		return false, fmt.Errorf("notify: twilio send: %w", err)
	}
	return true, nil
}
