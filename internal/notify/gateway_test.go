package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/acme/checkin-call-engine/internal/domain"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

type fakeMessages struct {
	sent []*twilioApi.CreateMessageParams
	err  error
}

func (f *fakeMessages) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioSMS(t *testing.T) {
	api := &fakeMessages{}
	g := &TwilioSMS{api: api, from: "+15550001111"}

	ok, err := g.Notify(context.Background(), Notification{
		Contact: domain.ContactMethod{Kind: domain.ContactKindPhone, Value: "+16502530000"},
		Message: "hello",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, api.sent, 1)
	assert.Equal(t, "hello", *api.sent[0].Body)
	assert.Equal(t, "+16502530000", *api.sent[0].To)

	ok, err = g.Notify(context.Background(), Notification{Contact: domain.ContactMethod{Kind: domain.ContactKindPush, Value: "tok"}})
	require.NoError(t, err)
	assert.False(t, ok, "push contacts are declined")

	api.err = errors.New("unreachable")
	_, err = g.Notify(context.Background(), Notification{Contact: domain.ContactMethod{Kind: domain.ContactKindPhone, Value: "+16502530000"}})
	assert.Error(t, err)
}

type countingGateway struct{ n int }

func (c *countingGateway) Notify(context.Context, Notification) (bool, error) {
	c.n++
	return true, nil
}

func TestRateLimitedGivesUpAtTimeout(t *testing.T) {
	next := &countingGateway{}
	g := NewRateLimited(next, 0.001, 1, 20*time.Millisecond)

	ok, err := g.Notify(context.Background(), Notification{})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = g.Notify(context.Background(), Notification{})
	assert.Error(t, err, "second token is not available within the timeout")
	assert.Equal(t, 1, next.n)
}

func TestLogGateway(t *testing.T) {
	ok, err := NewLogGateway(logger.NewNop()).Notify(context.Background(), Notification{Message: "x"})
	require.NoError(t, err)
	assert.True(t, ok)
}
