package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/weavernet/weaver/rpc"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: peercheck <peer-rpc-url>")
		fmt.Println("Example: peercheck http://198.51.100.7:9906")
		os.Exit(1)
	}

	peerURL := os.Args[1]
	client := rpc.NewClient(peerURL)
	ctx := context.Background()

	latest, err := client.GetLatestHeader(ctx)
	if err != nil {
		log.Fatalf("Failed to fetch latest header from %s: %v", peerURL, err)
	}

	log.Printf("Peer tip: height %d, hash %s", latest.Height, latest.Hash)
	latestJSON, _ := json.MarshalIndent(latest, "", "  ")
	fmt.Println(string(latestJSON))

	blocks, err := client.GetMultiverse(ctx)
	if err != nil {
		log.Fatalf("Failed to fetch multiverse: %v", err)
	}

	log.Printf("Peer multiverse: %d blocks", len(blocks))
	for i, b := range blocks {
		fmt.Printf("%d. height %d hash %s totalDistance %s\n",
			i+1, b.Height, b.Hash, b.TotalDistance.String())
	}
}
