//go:build !no_automation

package automation

// ScriptMeta is read from the script's first line:
//
//	-- {"name": "...", "description": "...", "enabled": true}
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is a single Lua file in the scripts directory.
type Script struct {
	ID       string     `json:"id"` // filename stem (no .lua)
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"` // Lua source without the metadata line
	FilePath string     `json:"-"`
}
