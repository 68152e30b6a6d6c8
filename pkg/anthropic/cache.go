package anthropic

// BuildCachedSystemBlocks constructs system content blocks with an ephemeral
// cache breakpoint. The classifier system prompt is identical for every
// (article, requirement) call in a job, so later calls read it from cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
