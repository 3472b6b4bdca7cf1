package config

import (
	"fmt"
	"net/url"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"
)

const redactedValue = "***"

// Redacted renders the configuration as YAML with secrets masked.
// Fields tagged redact:"true" are always masked, redact:"url" masks the
// userinfo password of a URL, and any field set by the secrets file is masked.
func (c *Config) Redacted(secrets *Config) (string, error) {
	var mask reflect.Value
	if secrets != nil {
		mask = reflect.ValueOf(secrets).Elem()
	}
	out, err := yaml.Marshal(redactStruct(reflect.ValueOf(c).Elem(), mask))
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

// YAML renders the configuration without masking.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

func redactStruct(v, mask reflect.Value) *yaml.Node {
	node := &yaml.Node{Kind: yaml.MappingNode}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Tag.Get("yaml")
		if name == "" || name == "-" {
			name = field.Name
		}

		var maskField reflect.Value
		if mask.IsValid() {
			maskField = mask.Field(i)
		}

		value := v.Field(i)
		var child *yaml.Node
		if value.Kind() == reflect.Struct {
			child = redactStruct(value, maskField)
		} else {
			child = scalarNode(redactScalar(value, maskField, field.Tag.Get("redact")))
		}
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, child)
	}
	return node
}

func redactScalar(value, mask reflect.Value, rule string) any {
	if isSet(mask) {
		return redactedValue
	}
	switch rule {
	case "true":
		if isSet(value) {
			return redactedValue
		}
	case "url":
		if raw := value.String(); raw != "" {
			if u, err := url.Parse(raw); err == nil {
				return u.Redacted()
			}
			return redactedValue
		}
	}
	if d, ok := value.Interface().(time.Duration); ok {
		return d.String()
	}
	return value.Interface()
}

func scalarNode(v any) *yaml.Node {
	node := &yaml.Node{}
	if err := node.Encode(v); err != nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: fmt.Sprint(v)}
	}
	return node
}

func isSet(v reflect.Value) bool {
	return v.IsValid() && !v.IsZero()
}
