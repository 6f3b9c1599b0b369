// Package provider defines the contract every external mail service adapter
// implements and the normalized message shape they all produce.
package provider

import (
	"context"
	"fmt"
	"time"
)

type Kind string

const (
	KindGmail   Kind = "gmail"
	KindOutlook Kind = "outlook"
)

type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// NormalizedMessage is the provider-agnostic form of one mail item.
// ReceivedAt is always UTC.
type NormalizedMessage struct {
	ProviderID       string
	ProviderThreadID string
	Subject          string
	Snippet          string
	BodyText         string
	BodyHTML         string
	From             Address
	To               []Address
	Cc               []Address
	Bcc              []Address
	ReceivedAt       time.Time
	IsRead           bool
	IsStarred        bool
	HasAttachments   bool
	Labels           []string
}

type ListOptions struct {
	Max       int
	PageToken string
	Query     string
	// Since restricts the listing to messages received at or after it.
	Since time.Time
}

// Mutation leaves a field untouched when it is nil.
type Mutation struct {
	Read     *bool
	Starred  *bool
	Archived *bool
}

func (m Mutation) Empty() bool {
	return m.Read == nil && m.Starred == nil && m.Archived == nil
}

type Delta struct {
	Changed       []NormalizedMessage
	DeletedIDs    []string
	NextSyncToken string
}

// Provider is implemented once per external mail service. No method touches
// local state.
type Provider interface {
	Kind() Kind
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Credentials, error)
	Refresh(ctx context.Context, refreshToken string) (*Credentials, error)
	ResolveAccountEmail(ctx context.Context, accessToken string) (string, error)
	ListMessages(ctx context.Context, accessToken string, opts ListOptions) ([]NormalizedMessage, string, error)
	FetchMessage(ctx context.Context, accessToken, id string) (*NormalizedMessage, error)
	Mutate(ctx context.Context, accessToken, id string, m Mutation) error
	DeltaSince(ctx context.Context, accessToken, syncToken string) (*Delta, error)
}

// Registry selects an adapter by the kind tag stored on an account.
type Registry struct {
	providers map[Kind]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[Kind]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Kind()] = p
}

func (r *Registry) Get(kind Kind) (Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", kind)
	}
	return p, nil
}
