package jsonutil

import (
	"errors"
	"testing"
)

type cardReply struct {
	Description string `json:"description"`
	Card        struct {
		Name   string `json:"name"`
		Attack int    `json:"attack"`
	} `json:"card"`
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"plain", `{"description":"d","card":{"name":"Fox","attack":3}}`},
		{"fenced", "```json\n{\"description\":\"d\",\"card\":{\"name\":\"Fox\",\"attack\":3}}\n```"},
		{"prose", "Here you go:\n{\"description\":\"d\",\"card\":{\"name\":\"Fox\",\"attack\":3}}\nEnjoy!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON[cardReply](tt.raw)
			if err != nil {
				t.Fatalf("ParseJSON: %v", err)
			}
			if got.Description != "d" || got.Card.Name != "Fox" || got.Card.Attack != 3 {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestParseJSONArray(t *testing.T) {
	got, err := ParseJSON[[]int]("```\n[1, 2, 3]\n```")
	if err != nil || len(got) != 3 {
		t.Errorf("got %v, %v", got, err)
	}
}

func TestParseJSONErrors(t *testing.T) {
	if _, err := ParseJSON[cardReply]("no json here"); !errors.Is(err, ErrNoJSON) {
		t.Errorf("expected ErrNoJSON, got %v", err)
	}
	if _, err := ParseJSON[cardReply]("{not valid"); err == nil {
		t.Error("expected error for unterminated object")
	}
	if _, err := ParseJSON[cardReply](`{"description": 5}`); err == nil {
		t.Error("expected type error")
	}
}
