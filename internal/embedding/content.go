package embedding

import (
	"strings"

	"github.com/echolens/opinionmap/internal/store/postgres"
)

const maxContentRunes = 2000

// BuildEmbeddingText creates the enriched text representation of a post for
// embedding: the post body plus author and hashtags, which carry most of
// the community signal on short posts.
func BuildEmbeddingText(p postgres.Post) string {
	var b strings.Builder

	content := strings.TrimSpace(p.Content)
	if r := []rune(content); len(r) > maxContentRunes {
		content = string(r[:maxContentRunes])
	}
	b.WriteString(content)

	if p.AuthorHandle != "" {
		b.WriteString("\nAuthor: @")
		b.WriteString(strings.TrimPrefix(p.AuthorHandle, "@"))
	}

	if len(p.Hashtags) > 0 {
		b.WriteString("\nHashtags:")
		for _, tag := range p.Hashtags {
			b.WriteString(" #")
			b.WriteString(strings.TrimPrefix(tag, "#"))
		}
	}

	return b.String()
}
