package provision

import "github.com/siteforge/steward/pkg/types"

// basePlugins are installed on every site regardless of plan.
var basePlugins = []string{
	"wordpress-seo",
	"wordfence",
	"contact-form-7",
}

// tierPlugins are added cumulatively: a tier gets its own row plus
// every row below it.
var tierPlugins = map[types.PlanTier][]string{
	types.PlanProfessional: {"wp-super-cache", "updraftplus"},
	types.PlanBusiness:     {"redis-cache", "wp-mail-smtp"},
	types.PlanAgency:       {"advanced-custom-fields", "wp-all-import"},
}

// industryPlugins extend the set for verticals with a canonical plugin.
var industryPlugins = map[string][]string{
	"restaurant": {"restaurant-reservations", "food-and-drink-menu"},
	"ecommerce":  {"woocommerce"},
	"retail":     {"woocommerce"},
	"healthcare": {"bookly-responsive-appointment-booking-tool"},
	"services":   {"bookly-responsive-appointment-booking-tool"},
	"realestate": {"easy-property-listings"},
	"education":  {"learnpress"},
}

// PluginsFor returns the ordered install list for an industry and plan.
// Duplicates collapse to the first occurrence so overlapping industry
// and tier rows install once.
func PluginsFor(industry string, tier types.PlanTier) []string {
	var out []string
	seen := map[string]bool{}
	add := func(plugins []string) {
		for _, p := range plugins {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}

	add(basePlugins)
	switch tier {
	case types.PlanAgency:
		add(tierPlugins[types.PlanProfessional])
		add(tierPlugins[types.PlanBusiness])
		add(tierPlugins[types.PlanAgency])
	case types.PlanBusiness:
		add(tierPlugins[types.PlanProfessional])
		add(tierPlugins[types.PlanBusiness])
	case types.PlanProfessional:
		add(tierPlugins[types.PlanProfessional])
	}
	add(industryPlugins[industry])
	return out
}
