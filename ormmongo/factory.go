package ormmongo

import (
	"context"
	"fmt"
	"time"

	"github.com/lemmego/orm"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

func init() {
	orm.RegisterExecutor("mongo", &Factory{})
}

// Factory implements orm.ExecutorFactory.
type Factory struct{}

// Create connects to MongoDB and pings the primary.
func (f *Factory) Create(config orm.Config) (orm.Executor, error) {
	clientOpts := options.Client().ApplyURI(buildConnectionURI(config))
	if raw, ok := config.Options["mongo"]; ok {
		if mongoOpts, ok := raw.(map[string]interface{}); ok {
			applyClientOptions(clientOpts, mongoOpts)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to connect to MongoDB", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, orm.NewErrorWithCause(orm.ErrorTypeConnection, "failed to ping MongoDB", err)
	}
	return NewExecutor(client, client.Database(config.Database)), nil
}

// SupportedDrivers returns the list of supported database drivers
func (f *Factory) SupportedDrivers() []string {
	return []string{"mongodb", "mongo"}
}

// buildConnectionURI builds MongoDB connection URI
func buildConnectionURI(config orm.Config) string {
	if config.ConnectionURL != "" {
		return config.ConnectionURL
	}

	uri := "mongodb://"
	if config.Username != "" {
		uri += config.Username
		if config.Password != "" {
			uri += ":" + config.Password
		}
		uri += "@"
	}

	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = 27017
	}
	uri += fmt.Sprintf("%s:%d", host, port)

	if config.Database != "" {
		uri += "/" + config.Database
	}
	if config.SSL.Enabled {
		uri += "?ssl=true"
		if config.SSL.CAFile != "" {
			uri += "&sslCAFile=" + config.SSL.CAFile
		}
		if config.SSL.CertFile != "" {
			uri += "&sslCertificateKeyFile=" + config.SSL.CertFile
		}
	}
	return uri
}

// applyClientOptions applies MongoDB-specific client options
func applyClientOptions(clientOpts *options.ClientOptions, mongoOpts map[string]interface{}) {
	if maxPoolSize, ok := mongoOpts["max_pool_size"].(int); ok {
		clientOpts.SetMaxPoolSize(uint64(maxPoolSize))
	}
	if minPoolSize, ok := mongoOpts["min_pool_size"].(int); ok {
		clientOpts.SetMinPoolSize(uint64(minPoolSize))
	}
	if maxIdleTime, ok := mongoOpts["max_idle_time"].(time.Duration); ok {
		clientOpts.SetMaxConnIdleTime(maxIdleTime)
	}
}
