// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package audit

import (
	"context"
	"net"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/go-core-stack/ratecontrol/errors"
	"github.com/go-core-stack/ratecontrol/logging"
	"github.com/go-core-stack/ratecontrol/utils"
)

const (
	defaultAuditDatabase   = "ratecontrol"
	defaultAuditCollection = "access-events"

	// default retention window enforced through the TTL index
	defaultRetention = 30 * 24 * time.Hour
)

// MongoConfig describes the connection and placement of the audit trail.
// Either Uri or Host/Port may be provided, not both.
type MongoConfig struct {
	Host       string
	Port       string
	Uri        string
	Username   string
	Password   string
	Database   string
	Collection string

	// RetainFor bounds how long events are kept, enforced server side
	// through a TTL index on the event time. Zero means the default
	// of 30 days.
	RetainFor time.Duration
}

func (c *MongoConfig) validate() error {
	if c.Uri != "" {
		if c.Host != "" || c.Port != "" {
			return errors.Wrap(errors.InvalidArgument, "cannot provide host and port if uri is configured")
		}
	} else {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == "" || c.Port == "0" {
			c.Port = "27017"
		} else {
			if _, err := strconv.Atoi(c.Port); err != nil {
				return errors.Wrap(errors.InvalidArgument, "invalid database port")
			}
		}
	}
	if c.Database == "" {
		c.Database = defaultAuditDatabase
	}
	if c.Collection == "" {
		c.Collection = defaultAuditCollection
	}
	if c.RetainFor < 0 {
		return errors.Wrap(errors.InvalidArgument, "retention window cannot be negative")
	}
	if c.RetainFor == 0 {
		c.RetainFor = defaultRetention
	}
	return nil
}

// interprets mongo db error and returns library parsable error codes
func interpretMongoError(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return errors.Wrap(errors.AlreadyExists, err.Error())
	}
	if err == mongo.ErrNoDocuments {
		return errors.Wrap(errors.NotFound, err.Error())
	}
	return err
}

// MongoRecorder persists audit events to a MongoDB collection with a TTL
// retention index. Insert failures are logged and swallowed, the audit
// trail never fails a request.
type MongoRecorder struct {
	client *mongo.Client
	col    *mongo.Collection
	logger logging.Logger
}

// NewMongoRecorder connects to MongoDB per conf and prepares the event
// collection, including its retention index.
func NewMongoRecorder(ctx context.Context, conf *MongoConfig, logger logging.Logger) (*MongoRecorder, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop{}
	}

	var uri string
	if conf.Uri != "" {
		uri = conf.Uri
	} else {
		uri = "mongodb://" + net.JoinHostPort(conf.Host, conf.Port)
	}
	clientOptions := options.Client()
	clientOptions.ApplyURI(uri)
	clientOptions.SetMonitor(otelmongo.NewMonitor())
	if conf.Username != "" {
		clientOptions.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    "admin",
			Username:      conf.Username,
			Password:      conf.Password,
		})
	}

	// by default ensure majority write concern and journal to be true
	// so recorded decisions survive a primary failover
	wc := writeconcern.Majority()
	wc.Journal = utils.Pointer(true)
	clientOptions.SetWriteConcern(wc)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}

	r := &MongoRecorder{
		client: client,
		col:    client.Database(conf.Database).Collection(conf.Collection),
		logger: logger,
	}

	_, err = r.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "time", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(conf.RetainFor / time.Second)),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, interpretMongoError(err)
	}
	return r, nil
}

func (r *MongoRecorder) Record(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	e := *ev
	stamp(&e)
	if _, err := r.col.InsertOne(ctx, &e); err != nil {
		r.logger.Error("failed to persist audit event",
			"id", e.ID, "action", e.Action, "error", interpretMongoError(err))
	}
}

// HealthCheck reports whether the backing server is reachable.
func (r *MongoRecorder) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// Close releases the underlying client connections.
func (r *MongoRecorder) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
