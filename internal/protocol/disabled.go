package protocol

import "context"

// DisabledFactory is selected when network credentials are not configured.
// Clients it creates fail every call with ErrUnavailable.
type DisabledFactory struct{}

var _ Factory = DisabledFactory{}

func (DisabledFactory) NewClient(string) (Client, error) {
	return disabledClient{}, nil
}

func (DisabledFactory) Available() bool { return false }

type disabledClient struct{}

var _ Client = disabledClient{}

func (disabledClient) Connect(context.Context) error    { return ErrUnavailable }
func (disabledClient) Disconnect(context.Context) error { return nil }
func (disabledClient) Alive() bool                      { return false }

func (disabledClient) SendCode(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (disabledClient) SignIn(context.Context, string, string, string) (SignInOutcome, error) {
	return SignInFailed, ErrUnavailable
}

func (disabledClient) CheckPassword(context.Context, string) error { return ErrUnavailable }

func (disabledClient) IsAuthorized(context.Context) (bool, error) { return false, ErrUnavailable }

func (disabledClient) ListDialogs(context.Context, int) ([]Entity, error) {
	return nil, ErrUnavailable
}

func (disabledClient) GetEntity(context.Context, int64) (Entity, error) {
	return Entity{}, ErrUnavailable
}

func (disabledClient) GetParticipants(context.Context, Entity, int) ([]Participant, error) {
	return nil, ErrUnavailable
}

func (disabledClient) SerializeSession(context.Context) (string, error) {
	return "", ErrUnavailable
}
