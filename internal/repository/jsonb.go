package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// marshalStringSlice は文字列スライスをJSONB格納用のバイト列に変換する。
// nilスライスは空配列として格納する。
func marshalStringSlice(s []string) ([]byte, error) {
	if s == nil {
		s = []string{}
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("JSONBへの変換に失敗しました: %w", err)
	}
	return b, nil
}

// unmarshalStringSlice はJSONBバイト列を文字列スライスに復元する。
func unmarshalStringSlice(b []byte) ([]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var s []string
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("JSONBの復元に失敗しました: %w", err)
	}
	if len(s) == 0 {
		return nil, nil
	}
	return s, nil
}

// nullStringValue はsql.NullStringから値を取り出す。NULLは空文字列を返す。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTimePtr はsql.NullTimeからポインタ値を取り出す。NULLはnilを返す。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// nullStringPtr はsql.NullStringからポインタ値を取り出す。NULLはnilを返す。
func nullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		s := ns.String
		return &s
	}
	return nil
}
