package service

import (
	"context"
	"fmt"
	"sort"

	"go-dm-relay/internal/model"
	"go-dm-relay/internal/repository"
	"go-dm-relay/pkg/config"
	"go-dm-relay/pkg/errs"

	"golang.org/x/sync/errgroup"
)

type Page struct {
	Messages   []model.Message `json:"messages"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// ConversationService serves history pages and reconnect resync with a stable
// (created_at, id) cursor.
type ConversationService struct {
	messages     *repository.MessageRepository
	defaultLimit int
	maxLimit     int
}

func NewConversationService(messages *repository.MessageRepository, cfg config.MessageConfig) *ConversationService {
	s := &ConversationService{
		messages:     messages,
		defaultLimit: cfg.DefaultPageSize,
		maxLimit:     cfg.MaxPageSize,
	}
	if s.defaultLimit <= 0 {
		s.defaultLimit = 50
	}
	if s.maxLimit <= 0 {
		s.maxLimit = 200
	}
	return s
}

func (s *ConversationService) clamp(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > s.maxLimit {
		return s.maxLimit
	}
	return limit
}

// ListConversation returns the newest messages between viewer and peer older than before.
// The two directions are scanned separately so each half stays on the pair index.
func (s *ConversationService) ListConversation(ctx context.Context, viewerID, peerID uint, limit int, before *model.Cursor) (*Page, error) {
	if viewerID == 0 || peerID == 0 || viewerID == peerID {
		return nil, errs.Validation("invalid conversation")
	}
	limit = s.clamp(limit)

	halves := []repository.ScanQuery{
		{SenderID: viewerID, RecipientID: peerID},
		{SenderID: peerID, RecipientID: viewerID},
	}
	merged, err := s.scanAll(ctx, halves, viewerID, before, false, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}

	page := &Page{Messages: merged}
	if len(merged) > limit {
		page.Messages = merged[:limit]
		page.HasMore = true
		page.NextCursor = model.CursorOf(&page.Messages[limit-1]).Encode()
	}
	return page, nil
}

// Reconcile returns everything touching userID after since, oldest first. NextCursor is
// always the last returned row so a client can resume from it on its next sync.
func (s *ConversationService) Reconcile(ctx context.Context, userID uint, since *model.Cursor, limit int) (*Page, error) {
	if userID == 0 {
		return nil, errs.Validation("user is required")
	}
	limit = s.clamp(limit)

	halves := []repository.ScanQuery{
		{SenderID: userID},
		{RecipientID: userID},
	}
	merged, err := s.scanAll(ctx, halves, userID, since, true, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile: %w", err)
	}

	page := &Page{Messages: merged}
	if len(merged) > limit {
		page.Messages = merged[:limit]
		page.HasMore = true
	}
	if n := len(page.Messages); n > 0 {
		page.NextCursor = model.CursorOf(&page.Messages[n-1]).Encode()
	} else if since != nil {
		page.NextCursor = since.Encode()
	}
	return page, nil
}

// scanAll runs every half concurrently with limit+1 rows each, then merges, dedupes and sorts.
func (s *ConversationService) scanAll(ctx context.Context, halves []repository.ScanQuery, viewerID uint, cursor *model.Cursor, ascending bool, limit int) ([]model.Message, error) {
	results := make([][]model.Message, len(halves))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range halves {
		i, q := i, q
		q.ViewerID = viewerID
		q.Cursor = cursor
		q.Ascending = ascending
		q.Limit = limit + 1
		g.Go(func() error {
			rows, err := s.messages.Scan(gctx, q)
			results[i] = rows
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var merged []model.Message
	for _, rows := range results {
		for _, m := range rows {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			merged = append(merged, m)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		a, b := &merged[i], &merged[j]
		var less bool
		if a.CreatedAt.Equal(b.CreatedAt) {
			less = a.ID < b.ID
		} else {
			less = a.CreatedAt.Before(b.CreatedAt)
		}
		if ascending {
			return less
		}
		return !less
	})
	if len(merged) > limit+1 {
		merged = merged[:limit+1]
	}
	return merged, nil
}
