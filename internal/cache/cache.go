// Package cache fronts the message store with short-lived projections: presence, typing
// and unread counters. Nothing here is authoritative; every error is ErrTransientInfra and
// callers fall back to the store or to a conservative default.
package cache

import (
	"context"
	"errors"
	"time"

	"go-dm-relay/pkg/errs"
)

const (
	PresenceTTL = 2 * time.Minute
	TypingTTL   = 3 * time.Second
	UnreadTTL   = 7 * 24 * time.Hour
)

type Store interface {
	SetPresence(ctx context.Context, userID uint, online bool) error
	IsOnline(ctx context.Context, userID uint) (bool, error)

	SetTyping(ctx context.Context, fromID, toID uint, typing bool) error
	GetTyping(ctx context.Context, fromID, toID uint) (bool, error)

	IncrementUnread(ctx context.Context, recipientID, senderID uint) error
	ResetUnread(ctx context.Context, recipientID, senderID uint) error
	SetUnread(ctx context.Context, recipientID, senderID uint, count int64) error
	// GetUnread reports found=false when the cached counters were never reconciled
	// with the store; a miss must not be read as zero.
	GetUnread(ctx context.Context, recipientID, senderID uint) (count int64, found bool, err error)
	GetAllUnreadForRecipient(ctx context.Context, recipientID uint) (counts map[uint]int64, found bool, err error)
	// ReplaceUnread overwrites the recipient's counters with store-computed values.
	ReplaceUnread(ctx context.Context, recipientID uint, counts map[uint]int64) error

	Ping(ctx context.Context) error
}

// Disabled is the Store used when no Redis is configured.
type Disabled struct{}

var errDisabled = errs.Transient("cache", errors.New("cache disabled"))

func (Disabled) SetPresence(context.Context, uint, bool) error { return errDisabled }
func (Disabled) IsOnline(context.Context, uint) (bool, error) { return false, errDisabled }
func (Disabled) SetTyping(context.Context, uint, uint, bool) error { return errDisabled }
func (Disabled) GetTyping(context.Context, uint, uint) (bool, error) { return false, errDisabled }
func (Disabled) IncrementUnread(context.Context, uint, uint) error { return errDisabled }
func (Disabled) ResetUnread(context.Context, uint, uint) error { return errDisabled }
func (Disabled) SetUnread(context.Context, uint, uint, int64) error { return errDisabled }
func (Disabled) ReplaceUnread(context.Context, uint, map[uint]int64) error { return errDisabled }
func (Disabled) Ping(context.Context) error { return errDisabled }

func (Disabled) GetUnread(context.Context, uint, uint) (int64, bool, error) {
	return 0, false, errDisabled
}

func (Disabled) GetAllUnreadForRecipient(context.Context, uint) (map[uint]int64, bool, error) {
	return nil, false, errDisabled
}
