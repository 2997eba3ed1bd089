package memory

import (
	"time"

	"decendata/internal/repository"
)

func cloneFile(src *repository.FileRecord) *repository.FileRecord {
	dst := *src
	dst.Metadata.Tags = append([]string(nil), src.Metadata.Tags...)
	dst.Encryption = cloneEncryption(src.Encryption)
	dst.Versions = append([]repository.FileVersion(nil), src.Versions...)
	dst.Shares = make([]repository.Share, 0, len(src.Shares))
	for _, s := range src.Shares {
		dst.Shares = append(dst.Shares, cloneShare(s))
	}
	dst.Stats.LastViewedAt = cloneTime(src.Stats.LastViewedAt)
	dst.Stats.LastDownloadedAt = cloneTime(src.Stats.LastDownloadedAt)
	dst.Annotations.Analysis = cloneAnnotation(src.Annotations.Analysis)
	dst.Annotations.Security = cloneAnnotation(src.Annotations.Security)
	return &dst
}

func cloneShare(s repository.Share) repository.Share {
	s.RespondedAt = cloneTime(s.RespondedAt)
	s.ExpiresAt = cloneTime(s.ExpiresAt)
	return s
}

func cloneEncryption(e *repository.Encryption) *repository.Encryption {
	if e == nil {
		return nil
	}
	c := *e
	c.Salt = append([]byte(nil), e.Salt...)
	c.Nonce = append([]byte(nil), e.Nonce...)
	return &c
}

func cloneAnnotation(a *repository.Annotation) *repository.Annotation {
	if a == nil {
		return nil
	}
	c := *a
	c.Tags = append([]string(nil), a.Tags...)
	c.Insights = append([]string(nil), a.Insights...)
	c.Recommendations = append([]string(nil), a.Recommendations...)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneUser(src *repository.User) *repository.User {
	dst := *src
	if src.WalletAddress != nil {
		w := *src.WalletAddress
		dst.WalletAddress = &w
	}
	dst.LockUntil = cloneTime(src.LockUntil)
	dst.LastLoginAt = cloneTime(src.LastLoginAt)
	return &dst
}
