package script

import (
	"github.com/alecthomas/participle/v2/lexer"
)

// ScriptLexer tokenizes a single debugger command line. Every
// non-space run is a Word; commands are matched by their text.
var ScriptLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `[ \t\r]+`},
	{Name: "Word", Pattern: `[^\s#]+`},
})
