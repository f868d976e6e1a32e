package oidcdash

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
)

var errMissingSubject = errors.New("claims have no subject")

// timeClaims are rendered as dates rather than epoch seconds.
var timeClaims = map[string]bool{
	"exp":        true,
	"iat":        true,
	"nbf":        true,
	"auth_time":  true,
	"updated_at": true,
}

type claim struct {
	Name  string
	Value string
}

// userInfo is the view of an ID token's claims used by the templates.
type userInfo struct {
	Subject string
	Name    string
	Email   string
	Picture string

	Claims []claim
	// YAML is every claim, as returned by the identity provider.
	YAML string
}

func newUserInfo(claims map[string]interface{}) (*userInfo, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errMissingSubject
	}

	u := &userInfo{
		Subject: sub,
		Name:    firstString(claims, "name", "preferred_username", "nickname", "email"),
		Email:   firstString(claims, "email"),
		Picture: firstString(claims, "picture"),
	}
	if u.Name == "" {
		u.Name = sub
	}

	names := make([]string, 0, len(claims))
	for k := range claims {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		u.Claims = append(u.Claims, claim{Name: k, Value: formatClaim(k, claims[k])})
	}

	y, err := yaml.Marshal(claims)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render claims")
	}
	u.YAML = string(y)

	return u, nil
}

func firstString(claims map[string]interface{}, names ...string) string {
	for _, n := range names {
		if s, ok := claims[n].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func formatClaim(name string, v interface{}) string {
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		if timeClaims[name] {
			return time.Unix(int64(tv), 0).UTC().Format(time.RFC3339)
		}
		return fmt.Sprint(tv)
	case bool, nil:
		return fmt.Sprint(tv)
	default:
		b, err := json.Marshal(tv)
		if err != nil {
			return fmt.Sprint(tv)
		}
		return string(b)
	}
}
