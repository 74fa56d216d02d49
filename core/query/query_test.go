package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	p := ParseString("include=author,comments.author&sort=-created_at,title" +
		"&filter[state]=open&fields[articles]=title,body&page[number]=2&page[size]=25&page[tags]=limitless")

	assert.Equal(t, []string{"author", "comments.author"}, p.Include)
	assert.Equal(t, []SortKey{
		{Field: "created_at", Descending: true},
		{Field: "title"},
	}, p.Sort)
	assert.Equal(t, "open", p.Filters["state"])
	assert.Equal(t, "title,body", p.Fields["articles"])
	assert.Equal(t, 2, p.Page["number"])
	assert.Equal(t, 25, p.Page["size"])
	// non-numeric page values stay strings
	assert.Equal(t, "limitless", p.Page["tags"])
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	p := ParseString("atomic=true&foo=bar&filter[]=x")
	assert.Empty(t, p.Filters)
	assert.Empty(t, p.Include)
}

// parse(canonical(parse(s))) must equal parse(s).
func TestCanonicalRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"include=author",
		"sort=-title,created_at&filter[state]=open",
		"fields[articles]=title&fields[users]=name&page[size]=10",
		"filter[b]=2&filter[a]=1&include=x,y&page[number]=3",
	}
	for _, input := range inputs {
		once := ParseString(input)
		again := Parse(once.Canonical())
		assert.Equal(t, once, again, input)
	}
}
