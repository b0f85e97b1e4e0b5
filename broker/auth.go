// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "context"

// AuthEngine decides whether clients may connect, publish and subscribe.
// A nil engine allows everything.
type AuthEngine interface {
	// AuthenticateConnect validates the client's credentials.
	AuthenticateConnect(ctx context.Context, clientID, username string, password []byte) error

	// AuthorizePublish checks whether the client may publish to the topic.
	AuthorizePublish(ctx context.Context, clientID, topic string) error

	// AuthorizeSubscribe checks whether the client may subscribe to the filter.
	AuthorizeSubscribe(ctx context.Context, clientID, filter string) error
}

func (b *Broker) authenticateConnect(ctx context.Context, clientID, username string, password []byte) error {
	if b.auth == nil {
		return nil
	}
	return b.auth.AuthenticateConnect(ctx, clientID, username, password)
}

func (b *Broker) authorizePublish(ctx context.Context, clientID, topic string) error {
	if b.auth == nil {
		return nil
	}
	return b.auth.AuthorizePublish(ctx, clientID, topic)
}

func (b *Broker) authorizeSubscribe(ctx context.Context, clientID, filter string) error {
	if b.auth == nil {
		return nil
	}
	return b.auth.AuthorizeSubscribe(ctx, clientID, filter)
}
