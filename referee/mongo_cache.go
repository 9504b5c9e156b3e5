package referee

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"mtmcore/mtm"
)

// mongoCache backs the decision cache with one document per node, keyed
// by node id, in the "decisions" collection of the "refereedb" database —
// used instead of fileCache whenever
// config.RefereeCacheConnString is a mongodb:// URI, e.g. to share one
// cache across a cluster of nodes running on ephemeral local disks.
type mongoCache struct {
	client *mongo.Client
	coll   *mongo.Collection
	nodeID mtm.NodeID
}

func newMongoCache(uri string, me mtm.NodeID) (*mongoCache, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("referee: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("referee: mongo ping: %w", err)
	}
	return &mongoCache{
		client: client,
		coll:   client.Database("refereedb").Collection("decisions"),
		nodeID: me,
	}, nil
}

type mongoDecision struct {
	NodeID mtm.NodeID `bson:"_id"`
	Winner mtm.NodeID `bson:"winner"`
}

func (c *mongoCache) Save(winner mtm.NodeID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	upsert := true
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": c.nodeID},
		bson.M{"$set": bson.M{"winner": winner}},
		&options.UpdateOptions{Upsert: &upsert},
	)
	if err != nil {
		return fmt.Errorf("referee: mongo save: %w", err)
	}
	return nil
}

func (c *mongoCache) Load() (mtm.NodeID, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var d mongoDecision
	err := c.coll.FindOne(ctx, bson.M{"_id": c.nodeID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("referee: mongo load: %w", err)
	}
	return d.Winner, true, nil
}

func (c *mongoCache) Clear() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.coll.DeleteOne(ctx, bson.M{"_id": c.nodeID})
	if err != nil {
		return fmt.Errorf("referee: mongo clear: %w", err)
	}
	return nil
}
