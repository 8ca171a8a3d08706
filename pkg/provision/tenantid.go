package provision

import (
	"strings"

	"github.com/siteforge/steward/pkg/secrets"
)

// maxSlugLen keeps the full id within the 32-char tenant id limit:
// slug + "_" + 6 hex chars.
const maxSlugLen = 25

// slugify lowercases the business name and strips everything outside
// [a-z0-9]. "Padaria Rosa" becomes "padariarosa".
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	slug := b.String()
	if slug == "" {
		slug = "site"
	}
	if len(slug) > maxSlugLen {
		slug = slug[:maxSlugLen]
	}
	return slug
}

// newTenantID derives an id from the business name plus 6 hex chars of
// entropy. The entropy keeps ids unique under contention; the store's
// create still rejects the collision that crypto/rand will never hand
// us.
func newTenantID(businessName string) (string, error) {
	suffix, err := secrets.RandomHex(3)
	if err != nil {
		return "", err
	}
	return slugify(businessName) + "_" + suffix, nil
}
