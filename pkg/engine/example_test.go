package engine_test

import (
	"context"
	"fmt"
	"log"

	"gopkg.in/yaml.v3"

	"github.com/tengil/tengil/pkg/engine"
)

// Example shows the resolve and plan phases against an empty host.
func Example() {
	src := `
pools:
  tank:
    datasets:
      media:
        profile: media
        containers: ["jellyfin:/media"]
        shares:
          smb: {name: Media}
containers:
  - name: jellyfin
    vmid: 101
    template: debian-12-standard
    auto_create: true
`
	var doc engine.Document
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		log.Fatal(err)
	}

	desired, err := engine.Resolve(&doc)
	if err != nil {
		log.Fatal(err)
	}

	reality := engine.NewReality()
	reality.Pools["tank"] = &engine.Pool{Name: "tank", Kind: engine.PoolKindZFS}

	plan, err := engine.NewPlanner(nil).Plan(context.Background(), desired, reality)
	if err != nil {
		log.Fatal(err)
	}

	for _, a := range plan.Actions {
		fmt.Printf("%-9s stage %d  %s\n", a.Tier, a.Stage, a.ID)
	}
	fmt.Printf("create=%d attach=%d\n", plan.Summary.ToCreate, plan.Summary.ToAttach)

	// Output:
	// dataset   stage 0  dataset:create:tank/media
	// container stage 0  container:create:101
	// mount     stage 0  mount:attach:101:/media
	// share     stage 0  share:create:smb:Media
	// create=3 attach=1
}
