// Package twilio places check-in calls through the Twilio Voice API.
package twilio

import (
	"context"
	"fmt"
	"net/url"

	twilioclient "github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/internal/telephony"
)

type callAPI interface {
	CreateCall(params *twilioApi.CreateCallParams) (*twilioApi.ApiV2010Call, error)
}

// Provider hands calls to Twilio. The TwiML URL and status callback carry the call id so
// status reports can be matched back to the record.
type Provider struct {
	api            callAPI
	from           string
	twimlURL       string
	statusCallback string
}

// NewProvider builds a provider from credentials.
func NewProvider(tw config.TwilioConfig, tel config.TelephonyConfig) *Provider {
	client := twilioclient.NewRestClientWithParams(twilioclient.ClientParams{
		Username: tw.AccountSID,
		Password: tw.AuthToken,
	})
	return newProvider(client.Api, tw.FromNumber, tel.CallbackURL, tel.StatusCallbackURL)
}

func newProvider(api callAPI, from, twimlURL, statusCallback string) *Provider {
	return &Provider{api: api, from: from, twimlURL: twimlURL, statusCallback: statusCallback}
}

func (p *Provider) Name() string { return "twilio" }

// Dispatch creates the outbound call; only phone contacts can be dialed.
func (p *Provider) Dispatch(ctx context.Context, req telephony.Request) (telephony.Receipt, error) {
	if req.Contact.Kind != domain.ContactKindPhone {
		return telephony.Receipt{}, fmt.Errorf("twilio: contact kind %q cannot be dialed", req.Contact.Kind)
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.Contact.Value)
	params.SetFrom(p.from)
	params.SetUrl(withCallParams(p.twimlURL, req))
	if p.statusCallback != "" {
		params.SetStatusCallback(withCallParams(p.statusCallback, req))
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	type result struct {
		call *twilioApi.ApiV2010Call
		err  error
	}
	done := make(chan result, 1)
	go func() {
		call, err := p.api.CreateCall(params)
		done <- result{call: call, err: err}
	}()

	select {
	case <-ctx.Done():
		return telephony.Receipt{}, fmt.Errorf("twilio: create call: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return telephony.Receipt{}, fmt.Errorf("twilio: create call: %w", res.err)
		}
		if res.call == nil || res.call.Sid == nil {
			return telephony.Receipt{}, fmt.Errorf("twilio: create call: empty response")
		}
		return telephony.Receipt{Reference: *res.call.Sid}, nil
	}
}

func withCallParams(raw string, req telephony.Request) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("call_id", req.CallID.String())
	q.Set("user_id", req.UserID)
	q.Set("call_type", string(req.CallType))
	q.Set("attempt", fmt.Sprint(req.Attempt))
	u.RawQuery = q.Encode()
	return u.String()
}
