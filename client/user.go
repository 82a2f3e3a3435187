package client

// User is a MyAnimeList user profile as returned by /users/{id}.
type User struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	Location        string           `json:"location,omitempty"`
	Gender          string           `json:"gender,omitempty"`
	JoinedAt        string           `json:"joined_at"`
	Picture         string           `json:"picture"`
	TimeZone        string           `json:"time_zone,omitempty"`
	IsSupporter     bool             `json:"is_supporter,omitempty"`
	AnimeStatistics *AnimeStatistics `json:"anime_statistics,omitempty"`
}

// AnimeStatistics is the optional usage-statistics section of a profile,
// included when the "anime_statistics" field is requested.
type AnimeStatistics struct {
	NumItemsWatching   int     `json:"num_items_watching"`
	NumItemsCompleted  int     `json:"num_items_completed"`
	NumItemsOnHold     int     `json:"num_items_on_hold"`
	NumItemsDropped    int     `json:"num_items_dropped"`
	NumItemsPlanToWatch int    `json:"num_items_plan_to_watch"`
	NumItems           int     `json:"num_items"`
	NumDaysWatched     float64 `json:"num_days_watched"`
	NumDaysWatching    float64 `json:"num_days_watching"`
	NumDaysCompleted   float64 `json:"num_days_completed"`
	NumDaysOnHold      float64 `json:"num_days_on_hold"`
	NumDaysDropped     float64 `json:"num_days_dropped"`
	NumDays            float64 `json:"num_days"`
	NumEpisodes        int     `json:"num_episodes"`
	NumTimesRewatched  int     `json:"num_times_rewatched"`
	MeanScore          float64 `json:"mean_score"`
}
