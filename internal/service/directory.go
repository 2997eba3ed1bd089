package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"decendata/internal/repository"
)

const (
	minSearchLength    = 2
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	topPartnersLimit   = 10
)

// UserSummary 是对其他用户可见的公开资料。
type UserSummary struct {
	ID       string    `json:"id"`
	Email    string    `json:"email"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

func summarize(u *repository.User) UserSummary {
	return UserSummary{ID: u.ID, Email: u.Email, Name: u.Name, JoinedAt: u.CreatedAt}
}

// SearchUsers 按邮箱或姓名查找分享对象，结果不含 caller 本人。
func (s *UserService) SearchUsers(ctx context.Context, callerID, query string, limit int) ([]UserSummary, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}
	q := strings.TrimSpace(query)
	if len([]rune(q)) < minSearchLength {
		return nil, Invalidf("search query must be at least %d characters", minSearchLength)
	}
	switch {
	case limit <= 0:
		limit = defaultSearchLimit
	case limit > maxSearchLimit:
		limit = maxSearchLimit
	}

	users, err := s.users.Search(ctx, repository.UserSearch{Query: q, ExcludeID: callerID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	out := make([]UserSummary, 0, len(users))
	for i := range users {
		out = append(out, summarize(&users[i]))
	}
	return out, nil
}

// SharingPartner 是 caller 分享最多的接收者之一。
type SharingPartner struct {
	User         UserSummary `json:"user"`
	FilesShared  int         `json:"files_shared"`
	LastSharedAt time.Time   `json:"last_shared_at"`
}

// SharingStats 汇总 caller 发出与收到的分享。
type SharingStats struct {
	SharedByMe       int              `json:"shared_by_me"`
	SharedWithMe     int              `json:"shared_with_me"`
	UniqueRecipients int              `json:"unique_recipients"`
	PendingInvites   int              `json:"pending_invites"`
	TopPartners      []SharingPartner `json:"top_partners"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// SharingStats 统计 caller 的分享关系，接收者按已接受的文件数排序。
func (s *UserService) SharingStats(ctx context.Context, callerID string) (*SharingStats, error) {
	if callerID == "" {
		return nil, Unauthenticated("authentication required")
	}

	files, err := s.allOwnedFiles(ctx, callerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	stats := &SharingStats{TopPartners: []SharingPartner{}, GeneratedAt: now}
	recipients := map[string]struct{}{}
	partners := map[string]*SharingPartner{}
	for i := range files {
		shared := false
		for _, sh := range files[i].Shares {
			if sh.Status == repository.ShareStatusDeclined {
				continue
			}
			shared = true
			recipients[sh.RecipientID] = struct{}{}
			if sh.Status != repository.ShareStatusAccepted {
				continue
			}
			p, ok := partners[sh.RecipientID]
			if !ok {
				p = &SharingPartner{User: UserSummary{ID: sh.RecipientID}}
				partners[sh.RecipientID] = p
			}
			p.FilesShared++
			if sh.InvitedAt.After(p.LastSharedAt) {
				p.LastSharedAt = sh.InvitedAt
			}
		}
		if shared {
			stats.SharedByMe++
		}
	}
	stats.UniqueRecipients = len(recipients)

	ranked := make([]*SharingPartner, 0, len(partners))
	for _, p := range partners {
		ranked = append(ranked, p)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.FilesShared != b.FilesShared {
			return a.FilesShared > b.FilesShared
		}
		if !a.LastSharedAt.Equal(b.LastSharedAt) {
			return a.LastSharedAt.After(b.LastSharedAt)
		}
		return a.User.ID < b.User.ID
	})
	for _, p := range ranked {
		if len(stats.TopPartners) == topPartnersLimit {
			break
		}
		user, err := s.users.GetByID(ctx, p.User.ID)
		if err != nil {
			// 接收者已注销
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("load share recipient: %w", err)
		}
		p.User = summarize(user)
		stats.TopPartners = append(stats.TopPartners, *p)
	}

	stats.SharedWithMe, err = s.files.Count(ctx, repository.ListFilesParams{
		Statuses:      []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		SharedWith:    callerID,
		ShareStatus:   repository.ShareStatusAccepted,
		ShareActiveAt: &now,
	})
	if err != nil {
		return nil, fmt.Errorf("count shared files: %w", err)
	}
	stats.PendingInvites, err = s.files.Count(ctx, repository.ListFilesParams{
		Statuses:    []repository.FileStatus{repository.FileStatusActive, repository.FileStatusArchived},
		SharedWith:  callerID,
		ShareStatus: repository.ShareStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("count invitations: %w", err)
	}
	return stats, nil
}
