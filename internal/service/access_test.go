package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"decendata/internal/repository"
)

func TestAuthorize(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	file := func(vis repository.Visibility, status repository.FileStatus, shares ...repository.Share) *repository.FileRecord {
		return &repository.FileRecord{ID: "f1", OwnerID: "owner", Visibility: vis, Status: status, Shares: shares}
	}
	share := func(perm repository.Permission, status repository.ShareStatus, expires *time.Time) repository.Share {
		return repository.Share{ID: "s", RecipientID: "bob", Permission: perm, Status: status, ExpiresAt: expires}
	}
	private := repository.VisibilityPrivate
	active := repository.FileStatusActive

	cases := []struct {
		name   string
		file   *repository.FileRecord
		caller string
		action Action
		want   Kind
	}{
		{"missing record", nil, "owner", ActionView, KindNotFound},
		{"deleted record", file(repository.VisibilityPublic, repository.FileStatusDeleted), "owner", ActionView, KindNotFound},
		{"uploading record", file(private, repository.FileStatusUploading), "owner", ActionDownload, KindNotFound},
		{"public anonymous", file(repository.VisibilityPublic, active), "", ActionDownload, ""},
		{"public archived", file(repository.VisibilityPublic, repository.FileStatusArchived), "mallory", ActionDownload, ""},
		{"private anonymous", file(private, active), "", ActionView, KindUnauthenticated},
		{"owner", file(private, active), "owner", ActionDownload, ""},
		{"stranger", file(private, active), "mallory", ActionView, KindForbidden},
		{"pending", file(private, active, share(repository.PermissionShare, repository.ShareStatusPending, nil)), "bob", ActionView, KindForbidden},
		{"declined", file(private, active, share(repository.PermissionShare, repository.ShareStatusDeclined, nil)), "bob", ActionView, KindForbidden},
		{"accepted view can view", file(private, active, share(repository.PermissionView, repository.ShareStatusAccepted, nil)), "bob", ActionView, ""},
		{"accepted view cannot download", file(private, active, share(repository.PermissionView, repository.ShareStatusAccepted, nil)), "bob", ActionDownload, KindForbidden},
		{"accepted download", file(private, active, share(repository.PermissionDownload, repository.ShareStatusAccepted, nil)), "bob", ActionDownload, ""},
		{"accepted share implies download", file(private, active, share(repository.PermissionShare, repository.ShareStatusAccepted, nil)), "bob", ActionDownload, ""},
		{"expired", file(private, active, share(repository.PermissionShare, repository.ShareStatusAccepted, &past)), "bob", ActionView, KindForbidden},
		{"not yet expired", file(private, active, share(repository.PermissionDownload, repository.ShareStatusAccepted, &future)), "bob", ActionDownload, ""},
		{"expires exactly now", file(private, active, share(repository.PermissionDownload, repository.ShareStatusAccepted, &now)), "bob", ActionDownload, KindForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Authorize(tc.file, tc.caller, tc.action, now)
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tc.want, KindOf(err))
		})
	}
}

func TestAuthorize_DeclinedThenAcceptedUsesActiveEntry(t *testing.T) {
	now := time.Now()
	f := &repository.FileRecord{
		OwnerID:    "owner",
		Visibility: repository.VisibilityPrivate,
		Status:     repository.FileStatusActive,
		Shares: []repository.Share{
			{ID: "old", RecipientID: "bob", Permission: repository.PermissionView, Status: repository.ShareStatusDeclined},
			{ID: "new", RecipientID: "bob", Permission: repository.PermissionDownload, Status: repository.ShareStatusAccepted},
		},
	}
	assert.NoError(t, Authorize(f, "bob", ActionDownload, now))
}

func TestPrivateFileWithoutShareNeverYieldsAccess(t *testing.T) {
	now := time.Now()
	f := &repository.FileRecord{OwnerID: "owner", Visibility: repository.VisibilityPrivate, Status: repository.FileStatusActive}
	for _, caller := range []string{"", "a", "b", "someone-else"} {
		for _, action := range []Action{ActionView, ActionDownload} {
			k := KindOf(Authorize(f, caller, action, now))
			assert.Contains(t, []Kind{KindForbidden, KindUnauthenticated}, k)
		}
	}
}
