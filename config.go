package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

type config struct {
	command       string
	storeBackend  string
	etcdHost      string
	etcdPort      string
	clusterName   string
	nodeName      string
	hostname      string
	logPort       int
	listenAddress string
	leaseDuration time.Duration
	postgresHost  string
	postgresPort  int
	postgresUser  string
	postgresDB    string

	// Serving requirements, written to the store by the init command.
	minServingNodes    int
	minServingFraction float64
}

func parseFlags() config {
	storeBackend := flag.String("store-backend", "etcd", "Consistent store backend: etcd or dynamodb")
	etcdHost := flag.String("etcd-host", "127.0.0.1", "etcd host")
	etcdPort := flag.String("etcd-port", "2379", "etcd port")
	clusterName := flag.String("cluster-name", "", "Name of the log cluster")
	nodeName := flag.String("node-name", "", "Name of this node in the cluster (defaults to hostname)")
	hostname := flag.String("hostname", "", "Hostname this node's log frontend is reachable on (defaults to node name)")
	logPort := flag.Int("log-port", 6962, "Port this node's log frontend listens on")
	addr := flag.String("listen", ":8080", "Address for the status endpoint")
	leaseDuration := flag.Duration("lease-duration", 5*time.Second, "Lease duration for master election")
	pgHost := flag.String("postgres-host", "127.0.0.1", "PostgreSQL host")
	pgPort := flag.Int("postgres-port", 5432, "PostgreSQL port")
	pgUser := flag.String("pguser", "postgres", "PostgreSQL user")
	pgDB := flag.String("pgdatabase", "ctlog", "PostgreSQL database name")
	minNodes := flag.Int("min-serving-nodes", 2, "Minimum nodes required to serve a tree head (init command)")
	minFraction := flag.Float64("min-serving-fraction", 0.75, "Minimum fraction of the cluster required to serve a tree head (init command)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: ctclusterd [command] [options]\n")
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  daemon  Start the cluster state controller daemon")
		fmt.Fprintln(os.Stderr, "  init    Create backing tables and write the cluster config")
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}

	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "daemon"
	}

	if *nodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatal(fmt.Errorf("failed to get hostname: %w", err))
		}
		*nodeName = host
	}

	if *hostname == "" {
		*hostname = *nodeName
	}

	if *clusterName == "" {
		log.Fatal("Cluster name must be specified with -cluster-name")
	}

	if *minFraction < 0 || *minFraction > 1 {
		log.Fatalf("-min-serving-fraction must be in [0, 1], got %f", *minFraction)
	}

	return config{
		command:            command,
		storeBackend:       *storeBackend,
		etcdHost:           *etcdHost,
		etcdPort:           *etcdPort,
		clusterName:        *clusterName,
		nodeName:           *nodeName,
		hostname:           *hostname,
		logPort:            *logPort,
		listenAddress:      *addr,
		leaseDuration:      *leaseDuration,
		postgresHost:       *pgHost,
		postgresPort:       *pgPort,
		postgresUser:       *pgUser,
		postgresDB:         *pgDB,
		minServingNodes:    *minNodes,
		minServingFraction: *minFraction,
	}
}
