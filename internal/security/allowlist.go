package security

type Allowlist struct {
	Networks []string
}

func (a Allowlist) AllowsNetwork(id string) bool {
	if len(a.Networks) == 0 {
		return true
	}
	for _, n := range a.Networks {
		if n == id {
			return true
		}
	}
	return false
}
