package tokencache

import (
	"context"

	"golang.org/x/oauth2"
)

type cacheSource struct {
	ctx        context.Context
	cache      *Cache
	credential string
}

// TokenSource adapts the cache for credential to oauth2.TokenSource, so
// oauth2.NewClient can attach a Bearer session token to downstream calls
func (c *Cache) TokenSource(ctx context.Context, credential string) oauth2.TokenSource {
	return &cacheSource{ctx: ctx, cache: c, credential: credential}
}

func (s *cacheSource) Token() (*oauth2.Token, error) {
	session, err := s.cache.GetOrRefresh(s.ctx, s.credential)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: session.Token,
		TokenType:   "Bearer",
		Expiry:      session.ExpiresAt.Add(-s.cache.buffer),
	}, nil
}
