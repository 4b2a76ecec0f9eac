package platform

// POSIX ACLs are stored by Linux as these system attributes.
const (
	ACLAccessXattr  = "system.posix_acl_access"
	ACLDefaultXattr = "system.posix_acl_default"
)

// IsACLXattr reports whether name holds a POSIX ACL.
func IsACLXattr(name string) bool {
	return name == ACLAccessXattr || name == ACLDefaultXattr
}

func parseXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
