package eligibility

// IsExempt reports whether an author holding roleIDs is exempt from link
// conversion. An empty whitelisted role never exempts anyone.
func IsExempt(roleIDs []string, whitelistedRoleID string) bool {
	if whitelistedRoleID == "" {
		return false
	}
	for _, id := range roleIDs {
		if id == whitelistedRoleID {
			return true
		}
	}
	return false
}
