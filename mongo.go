package presence

import (
	"context"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"
	errs "github.com/pkg/errors"
)

// MongoConfig ...
type MongoConfig struct {
	Address string

	Database   string
	Collection string

	ConnectionTimeout time.Duration
	WriteReadTimeout  time.Duration
}

// DefaultMongoConfig ...
var DefaultMongoConfig = MongoConfig{
	Address:    "localhost:27017",
	Database:   "presence",
	Collection: "channels",

	ConnectionTimeout: 10 * time.Second,
	WriteReadTimeout:  5 * time.Second,
}

// channelPolicy is the stored document shape: one document per channel
// prefix carrying its visibility policy.
type channelPolicy struct {
	Prefix string        `bson:"_id"`
	Config ChannelConfig `bson:"config"`
}

// MongoResolver resolves channel prefixes from a MongoDB collection. Wrap
// it in a CachingResolver; it performs one query per Resolve call.
type MongoResolver struct {
	session *mgo.Session
	config  MongoConfig
}

// NewMongoResolver ...
func NewMongoResolver(config MongoConfig) *MongoResolver {
	if config.Database == "" {
		config.Database = DefaultMongoConfig.Database
	}
	if config.Collection == "" {
		config.Collection = DefaultMongoConfig.Collection
	}
	return &MongoResolver{
		config: config,
	}
}

// Run dials the configured server. Must be called before Resolve.
func (m *MongoResolver) Run() error {
	session, err := mgo.DialWithTimeout(m.config.Address, m.config.ConnectionTimeout)
	if err != nil {
		return errs.Wrap(err, "presence: mongo dial")
	}
	session.SetSocketTimeout(m.config.WriteReadTimeout)
	m.session = session
	return nil
}

func (m *MongoResolver) executeQuery(s func(*mgo.Collection) error) error {
	session := m.session.Copy()
	defer session.Close()
	c := session.DB(m.config.Database).C(m.config.Collection)
	return s(c)
}

// Resolve ...
func (m *MongoResolver) Resolve(_ context.Context, prefix string) (*ChannelConfig, error) {
	var policy channelPolicy

	query := func(c *mgo.Collection) error {
		return c.Find(bson.M{"_id": prefix}).One(&policy)
	}

	err := m.executeQuery(query)
	if err == mgo.ErrNotFound {
		return nil, ErrorNotFound
	}
	if err != nil {
		return nil, errs.Wrap(err, "presence: mongo resolve")
	}

	config := policy.Config
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Close terminates the underlying session.
func (m *MongoResolver) Close() {
	if m.session != nil {
		m.session.Close()
	}
}
