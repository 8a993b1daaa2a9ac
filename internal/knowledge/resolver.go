package knowledge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Item is a knowledge node attached to a project.
type Item struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ref renders the reference string handed to agents.
func (it Item) Ref() string {
	const max = 240
	body := it.Content
	if len(body) > max {
		body = body[:max] + "..."
	}
	return fmt.Sprintf("[%s] %s: %s", it.ID, it.Title, body)
}

// Resolver finds project knowledge in Neo4j. Graph shape:
// (:Project {id})-[:HAS_KNOWLEDGE]->(:Knowledge {id, title, content, tags}).
type Resolver struct {
	driver neo4j.DriverWithContext
	limit  int
	logger *zap.Logger
}

// NewResolver connects to Neo4j. limit caps the refs returned per lookup.
func NewResolver(uri, user, password string, limit int, logger *zap.Logger) (*Resolver, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if limit <= 0 {
		limit = 5
	}
	return &Resolver{driver: driver, limit: limit, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (r *Resolver) Ping(ctx context.Context) error {
	return r.driver.VerifyConnectivity(ctx)
}

// Close shuts down the driver.
func (r *Resolver) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}

// Add stores an item under its project, creating the project node if needed.
func (r *Resolver) Add(ctx context.Context, it *Item) error {
	if it.ID == "" {
		it.ID = uuid.New().String()
	}
	it.CreatedAt = time.Now()

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (p:Project {id: $project})
		 CREATE (k:Knowledge {id: $id, title: $title, content: $content, tags: $tags, created_at: datetime()})
		 CREATE (p)-[:HAS_KNOWLEDGE]->(k)`,
		map[string]interface{}{
			"project": it.ProjectID,
			"id":      it.ID,
			"title":   it.Title,
			"content": it.Content,
			"tags":    it.Tags,
		})
	if err != nil {
		return fmt.Errorf("add knowledge %s: %w", it.ID, err)
	}
	return nil
}

// Items returns every knowledge item of a project.
func (r *Resolver) Items(ctx context.Context, projectID string) ([]Item, error) {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (:Project {id: $project})-[:HAS_KNOWLEDGE]->(k:Knowledge)
		 RETURN k.id AS id, k.title AS title, k.content AS content, k.tags AS tags`,
		map[string]interface{}{"project": projectID})
	if err != nil {
		return nil, fmt.Errorf("query knowledge: %w", err)
	}

	var items []Item
	for result.Next(ctx) {
		rec := result.Record()
		it := Item{ProjectID: projectID}
		if v, ok := rec.Get("id"); ok && v != nil {
			it.ID = v.(string)
		}
		if v, ok := rec.Get("title"); ok && v != nil {
			it.Title = v.(string)
		}
		if v, ok := rec.Get("content"); ok && v != nil {
			it.Content = v.(string)
		}
		if v, ok := rec.Get("tags"); ok && v != nil {
			for _, t := range v.([]interface{}) {
				if s, ok := t.(string); ok {
					it.Tags = append(it.Tags, s)
				}
			}
		}
		items = append(items, it)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read knowledge: %w", err)
	}
	return items, nil
}

// RelatedKnowledge returns refs for the project's items that share
// keywords with text, best match first.
func (r *Resolver) RelatedKnowledge(ctx context.Context, projectID, text string) ([]string, error) {
	keywords := Keywords(text)
	if len(keywords) == 0 {
		return nil, nil
	}
	items, err := r.Items(ctx, projectID)
	if err != nil {
		return nil, err
	}
	refs := rank(items, keywords, r.limit)

	r.logger.Debug("resolved knowledge",
		zap.String("project", projectID),
		zap.Int("keywords", len(keywords)),
		zap.Int("candidates", len(items)),
		zap.Int("refs", len(refs)))
	return refs, nil
}

func rank(items []Item, keywords []string, limit int) []string {
	type scored struct {
		item  Item
		score int
	}
	var hits []scored
	for _, it := range items {
		if s := score(keywords, it); s > 0 {
			hits = append(hits, scored{it, s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	refs := make([]string, len(hits))
	for i, h := range hits {
		refs[i] = h.item.Ref()
	}
	return refs
}
