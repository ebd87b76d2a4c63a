package core

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

const (
	atlasFile          = "atlas.json"
	propertiesFile     = "properties.json"
	calibrationsFile   = "calibrations.jsonl"
	valuationsFile     = "valuations.jsonl"
	marketHistoryFile  = "market_history.jsonl"
)

// City types, ordered by the population thresholds that upgrade them.
const (
	CityOutpost     = "outpost"
	CityVillage     = "village"
	CityTown        = "town"
	CityCity        = "city"
	CityMetropolis  = "metropolis"
	CityMegalopolis = "megalopolis"
)

// populationThresholds maps a city type to the minimum population required
// to hold it; city type is a pure step function of population.
var populationThresholds = []struct {
	typ       string
	threshold int
}{
	{CityOutpost, 1},
	{CityVillage, 3},
	{CityTown, 10},
	{CityCity, 25},
	{CityMetropolis, 50},
	{CityMegalopolis, 100},
}

func cityTypeForPopulation(pop int) string {
	t := CityOutpost
	for _, entry := range populationThresholds {
		if pop >= entry.threshold {
			t = entry.typ
		}
	}
	return t
}

// foundingCities gives fixed names/regions/types to well-known capability
// domains; every other domain falls through to the procedural generator.
var foundingCities = map[string]City{
	"coding":       {Name: "Compiler Heights", Region: "Silicon Basin", Type: "metropolis"},
	"creative":     {Name: "Muse Hollow", Region: "Artisan Coast", Type: "city"},
	"research":     {Name: "Archive Spire", Region: "Scholar Wastes", Type: "city"},
	"devops":       {Name: "Pipeline Junction", Region: "Silicon Basin", Type: "town"},
	"security":     {Name: "Bastion Keep", Region: "Iron Frontier", Type: "town"},
	"data":         {Name: "Lakeshore Analytics", Region: "Silicon Basin", Type: "city"},
	"design":       {Name: "Palette Row", Region: "Artisan Coast", Type: "town"},
	"api":          {Name: "Gateway Commons", Region: "Silicon Basin", Type: "town"},
	"blockchain":   {Name: "Ledger Falls", Region: "Iron Frontier", Type: "town"},
	"ai":           {Name: "Tensor Valley", Region: "Scholar Wastes", Type: "metropolis"},
	"gaming":       {Name: "Respawn Point", Region: "Neon Wilds", Type: "town"},
	"music":        {Name: "Harmony Springs", Region: "Artisan Coast", Type: "village"},
	"writing":      {Name: "Inkwell Crossing", Region: "Artisan Coast", Type: "town"},
	"hardware":     {Name: "Solder Creek", Region: "Iron Frontier", Type: "village"},
	"video":        {Name: "Frame Bay", Region: "Neon Wilds", Type: "town"},
	"education":    {Name: "Chalkboard Pines", Region: "Scholar Wastes", Type: "village"},
	"finance":      {Name: "Margin Wharf", Region: "Iron Frontier", Type: "town"},
	"vintage":      {Name: "Patina Gulch", Region: "Rust Belt", Type: "village"},
	"networking":   {Name: "Packet Harbor", Region: "Silicon Basin", Type: "town"},
	"preservation": {Name: "Amber Archive", Region: "Rust Belt", Type: "village"},
}

// regionDescriptions is flavor text for the virtual geography, keyed by
// every region name the founding table or generator can produce.
var regionDescriptions = map[string]string{
	"Silicon Basin":  "Dense urban sprawl of builders and coders.",
	"Artisan Coast":  "Creative communities along the shores of imagination.",
	"Scholar Wastes": "Vast research plains where knowledge-seekers roam.",
	"Iron Frontier":  "Hardened security and infrastructure specialists.",
	"Neon Wilds":     "Entertainment and media territory, fast-moving.",
	"Rust Belt":      "Vintage computing and preservation communities.",
}

var cityNamePrefixes = []string{
	"New", "Port", "Fort", "Upper", "Lower", "Old", "East", "West",
	"North", "South", "Mount", "Lake", "River", "Crystal", "Shadow",
	"Bright", "Dark", "Silver", "Golden", "Iron", "Copper", "Pine",
}

var cityNameSuffixes = []string{
	"ville", " Heights", " Springs", " Falls", " Creek", " Harbor",
	" Valley", " Ridge", " Crossing", " Junction", " Point", " Hollow",
	" Glen", " Pines", " Flats", " Bluff", " Mesa", " Gorge",
}

var regionOrder = []string{
	"Silicon Basin", "Artisan Coast", "Scholar Wastes",
	"Iron Frontier", "Neon Wilds", "Rust Belt",
}

// generateCityName procedurally derives a city's name/region from the SHA-256
// of its domain, so the same domain always maps to the same generated city.
func generateCityName(domain string) City {
	if founding, ok := foundingCities[domain]; ok {
		c := founding
		return c
	}
	h := SHA256Hex([]byte(domain))
	prefixIdx := hexSliceMod(h[0:4], len(cityNamePrefixes))
	suffixIdx := hexSliceMod(h[4:8], len(cityNameSuffixes))
	regionIdx := hexSliceMod(h[8:12], len(regionOrder))
	return City{
		Name:      cityNamePrefixes[prefixIdx] + cityNameSuffixes[suffixIdx],
		Region:    regionOrder[regionIdx],
		Type:      CityOutpost,
		Generated: true,
	}
}

func hexSliceMod(hexStr string, mod int) int {
	var v int64
	fmt.Sscanf(hexStr, "%x", &v)
	if mod <= 0 {
		return 0
	}
	return int(v % int64(mod))
}

// District is a sub-specialization within a City.
type District struct {
	Name          string   `json:"name"`
	Specialty     string   `json:"specialty,omitempty"`
	EstablishedAt int64    `json:"established_at"`
	Residents     []string `json:"residents"`
}

// City is a virtual-geography cluster of agents sharing a capability domain.
type City struct {
	Domain     string              `json:"domain"`
	Name       string              `json:"name"`
	Region     string              `json:"region"`
	Type       string              `json:"type"`
	Population int                 `json:"population"`
	Residents  []string            `json:"residents"`
	Districts  map[string]District `json:"districts,omitempty"`
	FoundedAt  int64               `json:"founded_at,omitempty"`
	Generated  bool                `json:"generated,omitempty"`
}

// PopulationStats summarizes the whole atlas's agent/city density.
type PopulationStats struct {
	TotalAgents int            `json:"total_agents"`
	TotalCities int            `json:"total_cities"`
	Density     float64        `json:"density"`
	ByRegion    map[string]int `json:"by_region"`
	UpdatedAt   int64          `json:"updated_at"`
}

type atlasData struct {
	Cities     map[string]*City `json:"cities"`
	Population PopulationStats  `json:"population"`
}

// Property is an agent's registered address in the atlas: a primary city
// plus every capability-domain city it also belongs to.
type Property struct {
	AgentID      string   `json:"agent_id"`
	Name         string   `json:"name,omitempty"`
	PrimaryCity  string   `json:"primary_city"`
	Cities       []string `json:"cities"`
	RegisteredAt int64    `json:"registered_at"`
	LastSeen     int64    `json:"last_seen"`
}

// CalibrationWeights are the fixed weights over the five calibration
// components; they must sum to 1.0.
var CalibrationWeights = map[string]float64{
	"domain_overlap":     0.25,
	"trust_score":        0.25,
	"response_coherence": 0.20,
	"latency_score":      0.15,
	"accord_bonus":       0.15,
}

// InteractionQuality optionally refines response_coherence/latency_score
// inputs for a Calibrate call; nil uses neutral defaults.
type InteractionQuality struct {
	Relevance      float64
	CompletionRate float64
	ErrorRate      float64
	LatencyMS      float64
	HasLatency     bool
}

// CalibrationResult is one pairwise AI-to-AI calibration measurement.
type CalibrationResult struct {
	AgentA  string             `json:"agent_a"`
	AgentB  string             `json:"agent_b"`
	Scores  map[string]float64 `json:"scores"`
	Overall float64            `json:"overall"`
	TS      int64              `json:"ts"`
}

// Estimate is a BeaconEstimate property valuation: a weighted composite of
// eight bounded components, graded S..F.
type Estimate struct {
	AgentID     string             `json:"agent_id"`
	Address     string             `json:"address"`
	Value       float64            `json:"estimate"`
	Grade       string             `json:"grade"`
	Components  map[string]float64 `json:"components"`
	MaxPossible float64            `json:"max_possible"`
	TS          int64              `json:"ts"`
}

// ExternalMetrics carries the two spec.md-added composite inputs
// (web_presence, social_reach) that have no equivalent in the original
// six-component BeaconEstimate; they are supplied by an out-of-scope
// collaborator (§1 "concrete valuation/atlas analytics"), never fetched here.
type ExternalMetrics struct {
	WebMentions     int64
	SocialFollowers int64
}

// MarketSnapshot is one dated atlas-wide population sample for trend
// analysis.
type MarketSnapshot struct {
	TS          int64                   `json:"ts"`
	TotalAgents int                     `json:"total_agents"`
	TotalCities int                     `json:"total_cities"`
	Cities      map[string]CitySnapshot `json:"cities"`
}

// CitySnapshot is one city's population/type at snapshot time.
type CitySnapshot struct {
	Population int    `json:"population"`
	Type       string `json:"type"`
	Region     string `json:"region"`
}

// Atlas is the virtual-geography registry: domain-to-city clustering,
// population statistics, AI-to-AI calibration, and property valuation.
type Atlas struct {
	store *Store
}

// NewAtlas constructs an Atlas component over store.
func NewAtlas(store *Store) *Atlas {
	return &Atlas{store: store}
}

func (a *Atlas) load() (*atlasData, error) {
	data := &atlasData{Cities: map[string]*City{}}
	if err := a.store.SnapshotLoad(atlasFile, data); err != nil {
		return nil, err
	}
	if data.Cities == nil {
		data.Cities = map[string]*City{}
	}
	return data, nil
}

func (a *Atlas) save(data *atlasData) error {
	return a.store.SnapshotSave(atlasFile, data)
}

func (a *Atlas) loadProperties() (map[string]*Property, error) {
	props := map[string]*Property{}
	if err := a.store.SnapshotLoad(propertiesFile, &props); err != nil {
		return nil, err
	}
	return props, nil
}

func (a *Atlas) saveProperties(props map[string]*Property) error {
	return a.store.SnapshotSave(propertiesFile, props)
}

// EnsureCity returns the city for domain, creating it (founding or
// procedural) if it doesn't already exist. Idempotent.
func (a *Atlas) EnsureCity(domain string) (*City, error) {
	domainKey := strings.ToLower(strings.TrimSpace(domain))
	if domainKey == "" {
		return nil, fmt.Errorf("domain required: %w", ErrInvalidInput)
	}
	data, err := a.load()
	if err != nil {
		return nil, err
	}
	if city, ok := data.Cities[domainKey]; ok {
		return city, nil
	}
	city := generateCityName(domainKey)
	city.Domain = domainKey
	city.FoundedAt = time.Now().Unix()
	city.Population = 0
	city.Type = cityTypeForPopulation(city.Population)
	city.Residents = []string{}
	city.Districts = map[string]District{}
	data.Cities[domainKey] = &city
	if err := a.save(data); err != nil {
		return nil, err
	}
	return &city, nil
}

// GetCity returns the city for domain, or nil if it hasn't been founded.
func (a *Atlas) GetCity(domain string) (*City, error) {
	data, err := a.load()
	if err != nil {
		return nil, err
	}
	return data.Cities[strings.ToLower(strings.TrimSpace(domain))], nil
}

// AllCities returns every city, sorted by population descending.
func (a *Atlas) AllCities() ([]City, error) {
	data, err := a.load()
	if err != nil {
		return nil, err
	}
	out := make([]City, 0, len(data.Cities))
	for _, c := range data.Cities {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Population > out[j].Population })
	return out, nil
}

// CitiesByRegion returns every city in region, case-insensitively.
func (a *Atlas) CitiesByRegion(region string) ([]City, error) {
	all, err := a.AllCities()
	if err != nil {
		return nil, err
	}
	var out []City
	for _, c := range all {
		if strings.EqualFold(c.Region, region) {
			out = append(out, c)
		}
	}
	return out, nil
}

// RegisterAgent registers agentID's property record: primary residence is
// domains[0], with the rest as secondary cities. Re-registering first
// unregisters the agent's prior city memberships, making the call
// idempotent for identical arguments.
func (a *Atlas) RegisterAgent(agentID string, domains []string, name string) (*Property, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id required: %w", ErrInvalidInput)
	}
	now := time.Now().Unix()
	primary := "general"
	if len(domains) > 0 {
		primary = domains[0]
	}

	data, err := a.load()
	if err != nil {
		return nil, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return nil, err
	}

	if old, ok := props[agentID]; ok {
		for _, oldDomain := range old.Cities {
			removeResident(data.Cities[strings.ToLower(oldDomain)], agentID)
		}
	}

	for _, domain := range domains {
		domainKey := strings.ToLower(strings.TrimSpace(domain))
		city, ok := data.Cities[domainKey]
		if !ok {
			c := generateCityName(domainKey)
			c.Domain = domainKey
			c.FoundedAt = now
			c.Districts = map[string]District{}
			data.Cities[domainKey] = &c
			city = &c
		}
		if !contains(city.Residents, agentID) {
			city.Residents = append(city.Residents, agentID)
			city.Population = len(city.Residents)
			city.Type = cityTypeForPopulation(city.Population)
		}
	}

	prop := &Property{
		AgentID: agentID, Name: name, PrimaryCity: strings.ToLower(strings.TrimSpace(primary)),
		Cities: domains, RegisteredAt: now, LastSeen: now,
	}
	props[agentID] = prop
	a.recomputePopulation(data, len(props))

	if err := a.save(data); err != nil {
		return nil, err
	}
	if err := a.saveProperties(props); err != nil {
		return nil, err
	}
	return prop, nil
}

// UnregisterAgent removes agentID from every city it belonged to. Returns
// false if the agent wasn't registered.
func (a *Atlas) UnregisterAgent(agentID string) (bool, error) {
	data, err := a.load()
	if err != nil {
		return false, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return false, err
	}
	prop, ok := props[agentID]
	if !ok {
		return false, nil
	}
	for _, domain := range prop.Cities {
		removeResident(data.Cities[strings.ToLower(domain)], agentID)
	}
	delete(props, agentID)
	a.recomputePopulation(data, len(props))

	if err := a.save(data); err != nil {
		return false, err
	}
	if err := a.saveProperties(props); err != nil {
		return false, err
	}
	return true, nil
}

func removeResident(city *City, agentID string) {
	if city == nil {
		return
	}
	out := city.Residents[:0]
	for _, r := range city.Residents {
		if r != agentID {
			out = append(out, r)
		}
	}
	city.Residents = out
	city.Population = len(city.Residents)
	city.Type = cityTypeForPopulation(city.Population)
}

func (a *Atlas) recomputePopulation(data *atlasData, totalAgents int) {
	byRegion := map[string]int{}
	for _, c := range data.Cities {
		byRegion[c.Region] += c.Population
	}
	totalCities := len(data.Cities)
	density := 0.0
	if totalCities > 0 {
		density = roundTo(float64(totalAgents)/float64(totalCities), 2)
	}
	data.Population = PopulationStats{
		TotalAgents: totalAgents, TotalCities: totalCities,
		Density: density, ByRegion: byRegion, UpdatedAt: time.Now().Unix(),
	}
}

// GetProperty returns agentID's property record, or nil.
func (a *Atlas) GetProperty(agentID string) (*Property, error) {
	props, err := a.loadProperties()
	if err != nil {
		return nil, err
	}
	return props[agentID], nil
}

// AgentAddress renders a human-readable "Name @ City, Region" address, or ""
// if the agent isn't registered.
func (a *Atlas) AgentAddress(agentID string) (string, error) {
	prop, err := a.GetProperty(agentID)
	if err != nil || prop == nil {
		return "", err
	}
	city, err := a.GetCity(prop.PrimaryCity)
	if err != nil {
		return "", err
	}
	cityName := prop.PrimaryCity
	region := "Unknown Region"
	if city != nil {
		cityName = city.Name
		region = city.Region
	}
	name := prop.Name
	if name == "" {
		name = agentID
	}
	return fmt.Sprintf("%s @ %s, %s", name, cityName, region), nil
}

// UpdateLastSeen refreshes agentID's last_seen timestamp (call on heartbeat).
func (a *Atlas) UpdateLastSeen(agentID string) error {
	props, err := a.loadProperties()
	if err != nil {
		return err
	}
	prop, ok := props[agentID]
	if !ok {
		return nil
	}
	prop.LastSeen = time.Now().Unix()
	return a.saveProperties(props)
}

// PopulationStats recomputes and returns atlas-wide population statistics.
func (a *Atlas) PopulationStats() (PopulationStats, error) {
	data, err := a.load()
	if err != nil {
		return PopulationStats{}, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return PopulationStats{}, err
	}
	a.recomputePopulation(data, len(props))
	if err := a.save(data); err != nil {
		return PopulationStats{}, err
	}
	return data.Population, nil
}

// DensityEntry is one city's ranked population-density row.
type DensityEntry struct {
	Domain      string `json:"domain"`
	City        string `json:"city"`
	Region      string `json:"region"`
	Population  int    `json:"population"`
	Type        string `json:"type"`
	DensityRank int    `json:"density_rank"`
}

// DensityMap returns every city ranked by population descending.
func (a *Atlas) DensityMap() ([]DensityEntry, error) {
	all, err := a.AllCities()
	if err != nil {
		return nil, err
	}
	out := make([]DensityEntry, len(all))
	for i, c := range all {
		out[i] = DensityEntry{Domain: c.Domain, City: c.Name, Region: c.Region, Population: c.Population, Type: c.Type, DensityRank: i + 1}
	}
	return out, nil
}

// Hotspots returns cities at or above minPopulation.
func (a *Atlas) Hotspots(minPopulation int) ([]DensityEntry, error) {
	density, err := a.DensityMap()
	if err != nil {
		return nil, err
	}
	var out []DensityEntry
	for _, d := range density {
		if d.Population >= minPopulation {
			out = append(out, d)
		}
	}
	return out, nil
}

// RuralProperties returns cities with population in (0, maxPopulation] —
// niche specialties worth more for scarcity.
func (a *Atlas) RuralProperties(maxPopulation int) ([]DensityEntry, error) {
	density, err := a.DensityMap()
	if err != nil {
		return nil, err
	}
	var out []DensityEntry
	for _, d := range density {
		if d.Population > 0 && d.Population <= maxPopulation {
			out = append(out, d)
		}
	}
	return out, nil
}

// AddDistrict adds a sub-specialization district to domain's city.
func (a *Atlas) AddDistrict(domain, districtName, specialty string) (District, error) {
	city, err := a.EnsureCity(domain)
	if err != nil {
		return District{}, err
	}
	data, err := a.load()
	if err != nil {
		return District{}, err
	}
	city = data.Cities[city.Domain]
	if city.Districts == nil {
		city.Districts = map[string]District{}
	}
	d := District{Name: districtName, Specialty: specialty, EstablishedAt: time.Now().Unix(), Residents: []string{}}
	city.Districts[strings.ToLower(districtName)] = d
	if err := a.save(data); err != nil {
		return District{}, err
	}
	return d, nil
}

// JoinDistrict adds agentID to an existing district. Returns false if the
// city or district doesn't exist.
func (a *Atlas) JoinDistrict(agentID, domain, districtName string) (bool, error) {
	data, err := a.load()
	if err != nil {
		return false, err
	}
	city, ok := data.Cities[strings.ToLower(strings.TrimSpace(domain))]
	if !ok {
		return false, nil
	}
	district, ok := city.Districts[strings.ToLower(districtName)]
	if !ok {
		return false, nil
	}
	if !contains(district.Residents, agentID) {
		district.Residents = append(district.Residents, agentID)
		city.Districts[strings.ToLower(districtName)] = district
		if err := a.save(data); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Calibrate measures AI-to-AI calibration between agentA and agentB across
// five weighted components and appends the result to the calibrations log.
// trust, accords, and quality are optional; nil collaborators fall back to
// neutral defaults (matching the original's try/except-default behavior).
func (a *Atlas) Calibrate(agentA, agentB string, trust *Trust, accords *Accords, quality *InteractionQuality) (CalibrationResult, error) {
	props, err := a.loadProperties()
	if err != nil {
		return CalibrationResult{}, err
	}
	scores := map[string]float64{}

	domainsA := stringSet(props[agentA])
	domainsB := stringSet(props[agentB])
	scores["domain_overlap"] = jaccard(domainsA, domainsB)

	scores["trust_score"] = 0.5
	if trust != nil {
		if ts, err := trust.Score(agentB); err == nil {
			scores["trust_score"] = math.Min(ts.Score, 1.0)
		}
	}

	if quality != nil {
		scores["response_coherence"] = quality.Relevance*0.5 + quality.CompletionRate*0.3 + (1.0-quality.ErrorRate)*0.2
	} else {
		scores["response_coherence"] = 0.5
	}

	if quality != nil && quality.HasLatency {
		scores["latency_score"] = 1.0 / (1.0 + math.Exp((quality.LatencyMS-1000)/500))
	} else {
		scores["latency_score"] = 0.5
	}

	scores["accord_bonus"] = 0.0
	if accords != nil {
		if accord, err := accords.FindAccordWith(agentB); err == nil && accord != nil && accord.State == AccordActive {
			scores["accord_bonus"] = 1.0
		}
	}

	overall := 0.0
	for k, w := range CalibrationWeights {
		overall += scores[k] * w
	}
	result := CalibrationResult{AgentA: agentA, AgentB: agentB, Scores: scores, Overall: roundTo(overall, 4), TS: time.Now().Unix()}
	if err := a.store.AppendJSONL(calibrationsFile, result); err != nil {
		return CalibrationResult{}, err
	}
	return result, nil
}

func stringSet(p *Property) map[string]bool {
	out := map[string]bool{}
	if p == nil {
		return out
	}
	for _, c := range p.Cities {
		out[c] = true
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.0
	}
	union := map[string]bool{}
	intersection := 0
	for k := range a {
		union[k] = true
		if b[k] {
			intersection++
		}
	}
	for k := range b {
		union[k] = true
	}
	if len(union) == 0 {
		return 0.0
	}
	return float64(intersection) / float64(len(union))
}

// CalibrationHistory returns up to limit calibration entries involving
// agentID, oldest first.
func (a *Atlas) CalibrationHistory(agentID string, limit int) ([]CalibrationResult, error) {
	var out []CalibrationResult
	err := a.store.ReadAllJSONL(calibrationsFile, func(line []byte) error {
		var r CalibrationResult
		if err := json.Unmarshal(line, &r); err != nil {
			return nil
		}
		if r.AgentA == agentID || r.AgentB == agentID {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Neighbor is one ranked peer by average calibration score.
type Neighbor struct {
	AgentID      string  `json:"agent_id"`
	Name         string  `json:"name,omitempty"`
	Calibration  float64 `json:"calibration"`
	Interactions int     `json:"interactions"`
	Address      string  `json:"address,omitempty"`
}

// BestNeighbors ranks agentID's calibrated peers by average calibration
// score, highest first.
func (a *Atlas) BestNeighbors(agentID string, limit int) ([]Neighbor, error) {
	history, err := a.CalibrationHistory(agentID, 500)
	if err != nil {
		return nil, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return nil, err
	}
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, h := range history {
		peer := h.AgentB
		if h.AgentA != agentID {
			peer = h.AgentA
		}
		sums[peer] += h.Overall
		counts[peer]++
	}
	out := make([]Neighbor, 0, len(sums))
	for peer, sum := range sums {
		n := Neighbor{AgentID: peer, Calibration: roundTo(sum/float64(counts[peer]), 4), Interactions: counts[peer]}
		if p, ok := props[peer]; ok {
			n.Name = p.Name
		}
		n.Address, _ = a.AgentAddress(peer)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Calibration > out[j].Calibration })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Opportunity is a nearby agent worth reaching out to: same-city beats
// same-region.
type Opportunity struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name,omitempty"`
	Proximity     string   `json:"proximity"`
	SharedCities  []string `json:"shared_cities"`
	SharedRegions []string `json:"shared_regions"`
	Address       string   `json:"address,omitempty"`
}

// OpportunitiesNear finds other registered agents sharing a city or region
// with agentID, same-city first.
func (a *Atlas) OpportunitiesNear(agentID string) ([]Opportunity, error) {
	data, err := a.load()
	if err != nil {
		return nil, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return nil, err
	}
	prop, ok := props[agentID]
	if !ok {
		return nil, nil
	}
	myCities := stringSet(prop)
	myRegions := regionsOf(data, myCities)

	var out []Opportunity
	for otherID, otherProp := range props {
		if otherID == agentID {
			continue
		}
		otherCities := stringSet(otherProp)
		otherRegions := regionsOf(data, otherCities)
		shared := intersectSet(myCities, otherCities)
		sharedRegions := intersectSet(myRegions, otherRegions)

		var proximity string
		switch {
		case len(shared) > 0:
			proximity = "same_city"
		case len(sharedRegions) > 0:
			proximity = "same_region"
		default:
			continue
		}
		addr, _ := a.AgentAddress(otherID)
		out = append(out, Opportunity{
			AgentID: otherID, Name: otherProp.Name, Proximity: proximity,
			SharedCities: keys(shared), SharedRegions: keys(sharedRegions), Address: addr,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Proximity == "same_city" && out[j].Proximity != "same_city"
	})
	return out, nil
}

func regionsOf(data *atlasData, domains map[string]bool) map[string]bool {
	out := map[string]bool{}
	for d := range domains {
		if c, ok := data.Cities[strings.ToLower(d)]; ok {
			out[c.Region] = true
		}
	}
	return out
}

func intersectSet(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// typeMultipliers weight a city's type into the location component.
var typeMultipliers = map[string]float64{
	CityOutpost: 0.2, CityVillage: 0.4, CityTown: 0.6,
	CityCity: 0.8, CityMetropolis: 0.9, CityMegalopolis: 1.0,
}

// Estimate computes the BeaconEstimate composite valuation (0-1300, graded
// S..F) for agentID across eight weighted components. trust, accords,
// heartbeat and ext are optional collaborators; each missing one scores its
// component at a neutral/zero default rather than failing the estimate.
func (a *Atlas) Estimate(agentID string, trust *Trust, accords *Accords, heartbeat *Heartbeat, ext *ExternalMetrics) (Estimate, error) {
	prop, err := a.GetProperty(agentID)
	if err != nil {
		return Estimate{}, err
	}
	if prop == nil {
		return Estimate{}, fmt.Errorf("agent %s not registered in atlas: %w", agentID, ErrNotFound)
	}
	data, err := a.load()
	if err != nil {
		return Estimate{}, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return Estimate{}, err
	}

	now := time.Now().Unix()
	components := map[string]float64{}

	// 1. Location (0-200): log-scaled population blended with type multiplier.
	city := data.Cities[prop.PrimaryCity]
	population, cityType := 0, CityOutpost
	if city != nil {
		population, cityType = city.Population, city.Type
	}
	popScore := math.Min(math.Log2(float64(population)+1)/7.0, 1.0)
	typeScore := typeMultipliers[cityType]
	if typeScore == 0 {
		typeScore = 0.2
	}
	components["location"] = roundTo((popScore*0.6+typeScore*0.4)*200, 1)

	// 2. Scarcity (0-150): rarer domains score higher, rural bonus under 4.
	totalAgents := len(props)
	if totalAgents > 0 && population > 0 {
		domainShare := float64(population) / float64(totalAgents)
		scarcity := math.Max(1.0-domainShare, 0.0)
		ruralBonus := 0.0
		if population <= 3 {
			ruralBonus = 0.3
		}
		components["scarcity"] = roundTo(math.Min(scarcity+ruralBonus, 1.0)*150, 1)
	} else {
		components["scarcity"] = 75.0
	}

	// 3. Network (0-200): average calibration plus peer breadth.
	history, err := a.CalibrationHistory(agentID, 100)
	if err != nil {
		return Estimate{}, err
	}
	if len(history) > 0 {
		sum := 0.0
		peers := map[string]bool{}
		for _, h := range history {
			sum += h.Overall
			peer := h.AgentB
			if h.AgentA != agentID {
				peer = h.AgentA
			}
			peers[peer] = true
		}
		avgCal := sum / float64(len(history))
		peerBreadth := math.Min(float64(len(peers))/10.0, 1.0)
		components["network"] = roundTo((avgCal*0.7+peerBreadth*0.3)*200, 1)
	} else {
		components["network"] = 0.0
	}

	// 4. Reputation (0-200): trust score scaled by interaction confidence.
	if trust != nil {
		if ts, err := trust.Score(agentID); err == nil {
			confidence := math.Min(float64(ts.Total)/20.0, 1.0)
			components["reputation"] = roundTo(math.Min(ts.Score, 1.0)*confidence*200, 1)
		} else {
			components["reputation"] = 100.0
		}
	} else {
		components["reputation"] = 100.0
	}

	// 5. Uptime (0-100): beat count scaled.
	if heartbeat != nil {
		if own, err := heartbeat.OwnStatus(); err == nil {
			components["uptime"] = roundTo(math.Min(float64(own.BeatCount)/100.0, 1.0)*100, 1)
		} else {
			components["uptime"] = 0.0
		}
	} else {
		components["uptime"] = 0.0
	}

	// 6. Bonds (0-150): log-scaled active-accord count.
	if accords != nil {
		if active, err := accords.ActiveAccords(); err == nil {
			bondScore := math.Min(math.Log2(float64(len(active))+1)/3.0, 1.0)
			components["bonds"] = roundTo(bondScore*150, 1)
		} else {
			components["bonds"] = 0.0
		}
	} else {
		components["bonds"] = 0.0
	}

	// 7/8. Web presence and social reach (0-150 each): log-scaled external
	// metrics, shaped identically to bonds since there is no original-source
	// formula to ground them on (see DESIGN.md).
	if ext != nil {
		components["web_presence"] = roundTo(math.Min(math.Log2(float64(ext.WebMentions)+1)/10.0, 1.0)*150, 1)
		components["social_reach"] = roundTo(math.Min(math.Log2(float64(ext.SocialFollowers)+1)/14.0, 1.0)*150, 1)
	} else {
		components["web_presence"] = 0.0
		components["social_reach"] = 0.0
	}

	total := 0.0
	for _, v := range components {
		total += v
	}
	total = roundTo(math.Min(total, 1300.0), 1)

	grade := gradeForEstimate(total)
	addr, _ := a.AgentAddress(agentID)
	est := Estimate{AgentID: agentID, Address: addr, Value: total, Grade: grade, Components: components, MaxPossible: 1300, TS: now}
	if err := a.store.AppendJSONL(valuationsFile, est); err != nil {
		return Estimate{}, err
	}
	return est, nil
}

func gradeForEstimate(total float64) string {
	switch {
	case total >= 800:
		return "S"
	case total >= 650:
		return "A"
	case total >= 500:
		return "B"
	case total >= 350:
		return "C"
	case total >= 200:
		return "D"
	default:
		return "F"
	}
}

// Leaderboard ranks every registered agent by BeaconEstimate, highest first.
func (a *Atlas) Leaderboard(limit int, trust *Trust, accords *Accords, heartbeat *Heartbeat, ext *ExternalMetrics) ([]Estimate, error) {
	props, err := a.loadProperties()
	if err != nil {
		return nil, err
	}
	out := make([]Estimate, 0, len(props))
	for agentID := range props {
		est, err := a.Estimate(agentID, trust, accords, heartbeat, ext)
		if err != nil {
			continue
		}
		out = append(out, est)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ValuationHistory returns up to limit past valuations for agentID.
func (a *Atlas) ValuationHistory(agentID string, limit int) ([]Estimate, error) {
	var out []Estimate
	err := a.store.ReadAllJSONL(valuationsFile, func(line []byte) error {
		var e Estimate
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		if e.AgentID == agentID {
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Appreciation is the change in BeaconEstimate between an agent's first and
// most recent valuation.
type Appreciation struct {
	AgentID       string   `json:"agent_id"`
	FirstEstimate float64  `json:"first_estimate"`
	LastEstimate  float64  `json:"current_estimate"`
	Change        float64  `json:"change"`
	ChangePct     float64  `json:"change_pct"`
	PeriodDays    float64  `json:"period_days"`
	GradeHistory  []string `json:"grade_history"`
	GradeTrend    string   `json:"grade_trend"`
}

// Appreciation computes value appreciation over agentID's valuation history.
// Returns an error if fewer than two valuations exist.
func (a *Atlas) Appreciation(agentID string) (Appreciation, error) {
	history, err := a.ValuationHistory(agentID, 0)
	if err != nil {
		return Appreciation{}, err
	}
	if len(history) < 2 {
		return Appreciation{}, fmt.Errorf("need at least 2 valuations: %w", ErrInvalidInput)
	}
	first, last := history[0], history[len(history)-1]
	spanDays := math.Max(float64(last.TS-first.TS)/86400.0, 0.01)
	change := last.Value - first.Value
	pct := roundTo(change/math.Max(first.Value, 1)*100, 1)

	grades := make([]string, len(history))
	for i, h := range history {
		grades[i] = h.Grade
	}
	gradeOrder := map[string]int{"S": 5, "A": 4, "B": 3, "C": 2, "D": 1, "F": 0}
	trend := "stable"
	if gradeOrder[grades[len(grades)-1]] > gradeOrder[grades[0]] {
		trend = "improving"
	} else if gradeOrder[grades[len(grades)-1]] < gradeOrder[grades[0]] {
		trend = "declining"
	}

	return Appreciation{
		AgentID: agentID, FirstEstimate: first.Value, LastEstimate: last.Value,
		Change: roundTo(change, 1), ChangePct: pct, PeriodDays: roundTo(spanDays, 1),
		GradeHistory: grades, GradeTrend: trend,
	}, nil
}

// SnapshotMarket records the current atlas-wide population distribution for
// later trend analysis. Call this periodically.
func (a *Atlas) SnapshotMarket() (MarketSnapshot, error) {
	data, err := a.load()
	if err != nil {
		return MarketSnapshot{}, err
	}
	props, err := a.loadProperties()
	if err != nil {
		return MarketSnapshot{}, err
	}
	snap := MarketSnapshot{
		TS: time.Now().Unix(), TotalAgents: len(props), TotalCities: len(data.Cities),
		Cities: map[string]CitySnapshot{},
	}
	for domain, c := range data.Cities {
		snap.Cities[domain] = CitySnapshot{Population: c.Population, Type: c.Type, Region: c.Region}
	}
	if err := a.store.AppendJSONL(marketHistoryFile, snap); err != nil {
		return MarketSnapshot{}, err
	}
	return snap, nil
}

// CityTrend is one city's population change between the first and last
// snapshot in a market_trends window.
type CityTrend struct {
	Name               string  `json:"name"`
	Region             string  `json:"region"`
	CurrentPopulation  int     `json:"current_population"`
	Change             int     `json:"change"`
	GrowthRatePct      float64 `json:"growth_rate"`
	Trend              string  `json:"trend"`
}

// MarketTrends is market_trends' diff of the first and last of up to limit
// historical snapshots.
type MarketTrends struct {
	Snapshots      int                  `json:"snapshots"`
	PeriodDays     float64              `json:"period_days"`
	AgentGrowth    int                  `json:"agent_growth"`
	CityGrowth     int                  `json:"city_growth"`
	HottestMarkets []CityTrend          `json:"hottest_markets"`
	ColdestMarkets []CityTrend          `json:"coldest_markets"`
	AllCities      map[string]CityTrend `json:"all_cities"`
}

// MarketTrends analyzes per-city growth between the first and last of up to
// limit historical snapshots. Returns an error if fewer than two exist.
func (a *Atlas) MarketTrends(limit int) (MarketTrends, error) {
	lines, err := a.store.TailJSONL(marketHistoryFile, limit)
	if err != nil {
		return MarketTrends{}, err
	}
	var snapshots []MarketSnapshot
	for _, line := range lines {
		var s MarketSnapshot
		if err := json.Unmarshal(line, &s); err == nil {
			snapshots = append(snapshots, s)
		}
	}
	if len(snapshots) < 2 {
		return MarketTrends{}, fmt.Errorf("need at least 2 snapshots: %w", ErrInvalidInput)
	}
	first, last := snapshots[0], snapshots[len(snapshots)-1]
	spanDays := math.Max(float64(last.TS-first.TS)/86400.0, 0.01)

	allDomains := map[string]bool{}
	for d := range first.Cities {
		allDomains[d] = true
	}
	for d := range last.Cities {
		allDomains[d] = true
	}

	cityTrends := map[string]CityTrend{}
	for domain := range allDomains {
		oldPop := first.Cities[domain].Population
		newCity := last.Cities[domain]
		if newCity.Region == "" {
			newCity = first.Cities[domain]
		}
		delta := newCity.Population - oldPop
		trend := "stable"
		if delta > 0 {
			trend = "growing"
		} else if delta < 0 {
			trend = "declining"
		}
		cityTrends[domain] = CityTrend{
			Name: domain, Region: newCity.Region, CurrentPopulation: newCity.Population,
			Change: delta, GrowthRatePct: roundTo(float64(delta)/math.Max(float64(oldPop), 1)*100, 1),
			Trend: trend,
		}
	}

	sorted := make([]CityTrend, 0, len(cityTrends))
	for _, t := range cityTrends {
		sorted = append(sorted, t)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Change > sorted[j].Change })

	var hottest, coldest []CityTrend
	for _, t := range sorted {
		if t.Change > 0 {
			hottest = append(hottest, t)
		}
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		if sorted[i].Change < 0 {
			coldest = append(coldest, sorted[i])
		}
	}
	if len(hottest) > 5 {
		hottest = hottest[:5]
	}
	if len(coldest) > 5 {
		coldest = coldest[:5]
	}

	return MarketTrends{
		Snapshots: len(snapshots), PeriodDays: roundTo(spanDays, 1),
		AgentGrowth: last.TotalAgents - first.TotalAgents, CityGrowth: last.TotalCities - first.TotalCities,
		HottestMarkets: hottest, ColdestMarkets: coldest, AllCities: cityTrends,
	}, nil
}

// Census is a full atlas-wide report.
type Census struct {
	TotalAgents    int            `json:"total_agents"`
	TotalCities    int            `json:"total_cities"`
	OverallDensity float64        `json:"overall_density"`
	Metropolises   int            `json:"metropolises"`
	RuralAreas     int            `json:"rural_areas"`
	ByRegion       map[string]int `json:"by_region"`
	TopCities      []DensityEntry `json:"top_cities"`
}

// Census reports current population statistics plus top/rural city counts.
func (a *Atlas) Census() (Census, error) {
	stats, err := a.PopulationStats()
	if err != nil {
		return Census{}, err
	}
	density, err := a.DensityMap()
	if err != nil {
		return Census{}, err
	}
	metros, rural := 0, 0
	for _, d := range density {
		switch d.Type {
		case CityMetropolis, CityMegalopolis:
			metros++
		case CityOutpost, CityVillage:
			rural++
		}
	}
	top := density
	if len(top) > 5 {
		top = top[:5]
	}
	return Census{
		TotalAgents: stats.TotalAgents, TotalCities: stats.TotalCities, OverallDensity: stats.Density,
		Metropolises: metros, RuralAreas: rural, ByRegion: stats.ByRegion, TopCities: top,
	}, nil
}
