package anthropic

// BuildCachedSystemBlocks wraps text in a single system block with a cache
// breakpoint of the given TTL ("5m" or "1h"). Empty text yields no blocks.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: ttl},
		},
	}
}
