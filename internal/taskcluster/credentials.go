package taskcluster

import (
	tcclient "github.com/taskcluster/taskcluster/clients/client-go/v24"
)

// Credentials authenticate requests with the Hawk scheme
type Credentials struct {
	ClientID    string
	AccessToken string
}

// Empty reports whether requests should go out unauthenticated
func (c Credentials) Empty() bool {
	return c.ClientID == "" || c.AccessToken == ""
}

func (c Credentials) client() *tcclient.Credentials {
	if c.Empty() {
		return nil
	}
	return &tcclient.Credentials{ClientID: c.ClientID, AccessToken: c.AccessToken}
}
