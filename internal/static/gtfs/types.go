package gtfs

// Data represents all parsed GTFS data
type Data struct {
	Routes        []Route
	Stops         []Stop
	Trips         []Trip
	Shapes        map[string][]ShapePoint // keyed by shape_id
	StopTimes     []StopTime
	Agency        []Agency
	Calendars     []Calendar
	CalendarDates []CalendarDate
}

// Route represents a route from routes.txt
type Route struct {
	RouteID        string
	AgencyID       string
	RouteShortName string
	RouteLongName  string
	RouteType      int
	RouteColor     string
	RouteTextColor string
}

// Stop represents a stop from stops.txt
type Stop struct {
	StopID        string
	StopCode      string
	StopName      string
	StopLat       float64
	StopLon       float64
	LocationType  int
	ParentStation string
}

// Trip represents a trip from trips.txt
type Trip struct {
	RouteID      string
	ServiceID    string
	TripID       string
	TripHeadsign string
	DirectionID  int // -1 when trips.txt has no direction_id
	ShapeID      string
}

// ShapePoint represents a point from shapes.txt
type ShapePoint struct {
	ShapeID           string
	ShapePtLat        float64
	ShapePtLon        float64
	ShapePtSequence   int
	ShapeDistTraveled float64
}

// StopTime is a scheduled stop visit from stop_times.txt
type StopTime struct {
	TripID        string
	ArrivalTime   string // HH:MM:SS, may exceed 24:00:00
	DepartureTime string
	StopID        string
	StopSequence  int
}

// Agency represents an agency from agency.txt
type Agency struct {
	AgencyID       string
	AgencyName     string
	AgencyURL      string
	AgencyTimezone string
}

// Calendar is a weekly service pattern from calendar.txt
type Calendar struct {
	ServiceID string
	Weekdays  [7]bool // indexed by time.Weekday (Sunday = 0)
	StartDate string  // YYYYMMDD
	EndDate   string  // YYYYMMDD
}

// CalendarDate is a single-day exception from calendar_dates.txt
type CalendarDate struct {
	ServiceID     string
	Date          string // YYYYMMDD
	ExceptionType int    // 1 = service added, 2 = service removed
}

// GTFS route_type values
const (
	RouteTypeTram       = 0
	RouteTypeSubway     = 1
	RouteTypeRail       = 2
	RouteTypeBus        = 3
	RouteTypeFerry      = 4
	RouteTypeCableTram  = 5
	RouteTypeSuspended  = 6
	RouteTypeFunicular  = 7
	RouteTypeTrolleybus = 11
	RouteTypeMonorail   = 12
)

// VehicleType maps a GTFS route_type to the label used on vehicle markers
func VehicleType(routeType int) string {
	switch routeType {
	case RouteTypeTram, RouteTypeCableTram:
		return "tram"
	case RouteTypeSubway, RouteTypeMonorail:
		return "metro"
	case RouteTypeRail:
		return "train"
	case RouteTypeFerry:
		return "ferry"
	case RouteTypeSuspended, RouteTypeFunicular:
		return "funicular"
	case RouteTypeBus, RouteTypeTrolleybus:
		return "bus"
	default:
		return "bus"
	}
}
