package util

import "strings"

// SplitList 按逗号切分，去掉空白与空项；空字符串返回 nil
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
