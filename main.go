package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"ctclusterd/election"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// clusterConfigSetter is implemented by both store backends; used by
// the init command to seed the cluster config.
type clusterConfigSetter interface {
	SetClusterConfig(ctx context.Context, conf ClusterConfig) error
}

func main() {
	conf := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store ConsistentStore
	var elBackend election.Backend
	var dynamoStore *DynamoStore

	switch conf.storeBackend {
	case "etcd":
		etcdCli, err := clientv3.New(clientv3.Config{
			Endpoints:   []string{fmt.Sprintf("%s:%s", conf.etcdHost, conf.etcdPort)},
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			log.Fatal(fmt.Errorf("failed to connect to etcd: %w", err))
		}
		defer etcdCli.Close()

		etcdStore := NewEtcdStore(etcdCli, conf.clusterName)
		store = etcdStore
		elBackend = etcdStore
	case "dynamodb":
		awsConf, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			log.Fatal(fmt.Errorf("failed to load AWS config: %w", err))
		}

		dynamoStore = NewDynamoStore(dynamodb.NewFromConfig(awsConf), conf.clusterName)
		store = dynamoStore
		elBackend = dynamoStore
	default:
		log.Fatalf("Unknown store backend: %s", conf.storeBackend)
	}

	database := NewPostgresDatabase(conf.postgresHost, conf.postgresPort, conf.postgresUser, conf.postgresDB)

	switch conf.command {
	case "daemon":
		el, err := election.New(conf.nodeName, conf.leaseDuration)
		if err != nil {
			log.Fatal(fmt.Errorf("failed to set up election: %w", err))
		}
		daemon(ctx, store, elBackend, database, el, conf)
	case "init":
		runInit(ctx, store, dynamoStore, database, conf)
	default:
		log.Fatalf("Unknown command: %s", conf.command)
	}
}

func runInit(ctx context.Context, store ConsistentStore, dynamoStore *DynamoStore, database *PostgresDatabase, conf config) {
	if dynamoStore != nil {
		if err := dynamoStore.InitTable(ctx); err != nil {
			log.Fatal(fmt.Errorf("failed to create DynamoDB table: %w", err))
		}
	}

	if err := database.InitSchema(ctx); err != nil {
		log.Fatal(fmt.Errorf("failed to initialize local database schema: %w", err))
	}

	clusterConf := ClusterConfig{
		MinimumServingNodes:    conf.minServingNodes,
		MinimumServingFraction: conf.minServingFraction,
	}
	if err := store.(clusterConfigSetter).SetClusterConfig(ctx, clusterConf); err != nil {
		log.Fatal(fmt.Errorf("failed to write cluster config: %w", err))
	}

	log.Printf("Cluster %s initialized with config %+v", conf.clusterName, clusterConf)
}
