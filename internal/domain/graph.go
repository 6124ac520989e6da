package domain

// Dependency-graph helpers shared by the store adapters. Cards reference each
// other by card_type within a job, so the graph is small and computed in
// memory from a full card listing.

// ReadyCardIDs returns the ids of pending cards whose effective deps are all
// completed.
func ReadyCardIDs(cards []Card) []string {
	completed := map[string]bool{}
	for _, c := range cards {
		if c.Status == CardCompleted {
			completed[c.CardType] = true
		}
	}
	var ids []string
	for _, c := range cards {
		if c.Status != CardPending {
			continue
		}
		ok := true
		for _, dep := range c.EffectiveDeps() {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// SkippableDependents walks the dep -> dependents graph breadth-first from
// the failed card type and returns the ids of every transitive dependent
// currently pending or ready.
func SkippableDependents(cards []Card, failedCardType string) []string {
	dependents := map[string][]Card{}
	for _, c := range cards {
		for _, dep := range c.EffectiveDeps() {
			dependents[dep] = append(dependents[dep], c)
		}
	}
	var ids []string
	seen := map[string]bool{failedCardType: true}
	queue := []string{failedCardType}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, c := range dependents[current] {
			if seen[c.CardType] {
				continue
			}
			seen[c.CardType] = true
			queue = append(queue, c.CardType)
			if c.Status == CardPending || c.Status == CardReady {
				ids = append(ids, c.ID)
			}
		}
	}
	return ids
}
