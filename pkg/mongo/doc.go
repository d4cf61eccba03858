// Package mongo connects to MongoDB for the entitlement service's document
// store.
//
//	var cfg mongo.Config
//	if err := config.Load(&cfg); err != nil { ... }
//
//	db, err := mongo.ConnectDatabase(ctx, cfg)
//	if err != nil { ... }
//	defer db.Client().Disconnect(context.Background())
//
//	probe := mongo.Healthcheck(db.Client())
//
// Connect retries the initial ping RetryAttempts times, RetryInterval apart,
// and gives up early when ctx is done. Failures wrap
// ErrFailedToConnectToMongo together with the last driver error.
package mongo
