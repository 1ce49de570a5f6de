package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
)

// Parse reads a GTFS zip file and returns parsed data
func Parse(zipPath string) (*Data, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	return parseFiles(r.File)
}

func parseFiles(zipFiles []*zip.File) (*Data, error) {
	data := &Data{
		Shapes: make(map[string][]ShapePoint),
	}

	files := make(map[string]*zip.File)
	for _, f := range zipFiles {
		// Some feeds nest everything under a top-level folder
		name := f.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		files[name] = f
	}

	if _, ok := files["stop_times.txt"]; !ok {
		return nil, fmt.Errorf("missing stop_times.txt")
	}

	parsers := []struct {
		name  string
		parse func(record []string, idx map[string]int)
	}{
		{"agency.txt", func(rec []string, idx map[string]int) {
			data.Agency = append(data.Agency, Agency{
				AgencyID:       getField(rec, idx, "agency_id"),
				AgencyName:     getField(rec, idx, "agency_name"),
				AgencyURL:      getField(rec, idx, "agency_url"),
				AgencyTimezone: getField(rec, idx, "agency_timezone"),
			})
		}},
		{"routes.txt", func(rec []string, idx map[string]int) {
			routeType, _ := strconv.Atoi(getField(rec, idx, "route_type"))
			data.Routes = append(data.Routes, Route{
				RouteID:        getField(rec, idx, "route_id"),
				AgencyID:       getField(rec, idx, "agency_id"),
				RouteShortName: getField(rec, idx, "route_short_name"),
				RouteLongName:  getField(rec, idx, "route_long_name"),
				RouteType:      routeType,
				RouteColor:     getField(rec, idx, "route_color"),
				RouteTextColor: getField(rec, idx, "route_text_color"),
			})
		}},
		{"stops.txt", func(rec []string, idx map[string]int) {
			lat, _ := strconv.ParseFloat(getField(rec, idx, "stop_lat"), 64)
			lon, _ := strconv.ParseFloat(getField(rec, idx, "stop_lon"), 64)
			locType, _ := strconv.Atoi(getField(rec, idx, "location_type"))
			data.Stops = append(data.Stops, Stop{
				StopID:        getField(rec, idx, "stop_id"),
				StopCode:      getField(rec, idx, "stop_code"),
				StopName:      getField(rec, idx, "stop_name"),
				StopLat:       lat,
				StopLon:       lon,
				LocationType:  locType,
				ParentStation: getField(rec, idx, "parent_station"),
			})
		}},
		{"trips.txt", func(rec []string, idx map[string]int) {
			directionID := -1
			if v := getField(rec, idx, "direction_id"); v != "" {
				if d, err := strconv.Atoi(v); err == nil {
					directionID = d
				}
			}
			data.Trips = append(data.Trips, Trip{
				RouteID:      getField(rec, idx, "route_id"),
				ServiceID:    getField(rec, idx, "service_id"),
				TripID:       getField(rec, idx, "trip_id"),
				TripHeadsign: getField(rec, idx, "trip_headsign"),
				DirectionID:  directionID,
				ShapeID:      getField(rec, idx, "shape_id"),
			})
		}},
		{"shapes.txt", func(rec []string, idx map[string]int) {
			shapeID := getField(rec, idx, "shape_id")
			lat, _ := strconv.ParseFloat(getField(rec, idx, "shape_pt_lat"), 64)
			lon, _ := strconv.ParseFloat(getField(rec, idx, "shape_pt_lon"), 64)
			seq, _ := strconv.Atoi(getField(rec, idx, "shape_pt_sequence"))
			dist, _ := strconv.ParseFloat(getField(rec, idx, "shape_dist_traveled"), 64)
			data.Shapes[shapeID] = append(data.Shapes[shapeID], ShapePoint{
				ShapeID:           shapeID,
				ShapePtLat:        lat,
				ShapePtLon:        lon,
				ShapePtSequence:   seq,
				ShapeDistTraveled: dist,
			})
		}},
		{"stop_times.txt", func(rec []string, idx map[string]int) {
			seq, _ := strconv.Atoi(getField(rec, idx, "stop_sequence"))
			data.StopTimes = append(data.StopTimes, StopTime{
				TripID:        getField(rec, idx, "trip_id"),
				ArrivalTime:   getField(rec, idx, "arrival_time"),
				DepartureTime: getField(rec, idx, "departure_time"),
				StopID:        getField(rec, idx, "stop_id"),
				StopSequence:  seq,
			})
		}},
		{"calendar.txt", func(rec []string, idx map[string]int) {
			cal := Calendar{
				ServiceID: getField(rec, idx, "service_id"),
				StartDate: getField(rec, idx, "start_date"),
				EndDate:   getField(rec, idx, "end_date"),
			}
			days := []string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}
			for i, day := range days {
				cal.Weekdays[i] = getField(rec, idx, day) == "1"
			}
			data.Calendars = append(data.Calendars, cal)
		}},
		{"calendar_dates.txt", func(rec []string, idx map[string]int) {
			exceptionType, _ := strconv.Atoi(getField(rec, idx, "exception_type"))
			data.CalendarDates = append(data.CalendarDates, CalendarDate{
				ServiceID:     getField(rec, idx, "service_id"),
				Date:          getField(rec, idx, "date"),
				ExceptionType: exceptionType,
			})
		}},
	}

	for _, p := range parsers {
		f, ok := files[p.name]
		if !ok {
			continue
		}
		if err := forEachRecord(f, p.parse); err != nil {
			log.Printf("Warning: failed to parse %s: %v", p.name, err)
		}
	}

	for shapeID := range data.Shapes {
		points := data.Shapes[shapeID]
		sort.Slice(points, func(i, j int) bool {
			return points[i].ShapePtSequence < points[j].ShapePtSequence
		})
	}

	log.Printf("GTFS parsed: %d routes, %d stops, %d trips, %d stop times, %d calendars",
		len(data.Routes), len(data.Stops), len(data.Trips), len(data.StopTimes), len(data.Calendars))

	return data, nil
}

// forEachRecord streams the rows of a CSV file inside the zip, skipping malformed rows
func forEachRecord(f *zip.File, fn func(record []string, idx map[string]int)) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idx := makeIndex(header)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				continue
			}
			return err
		}
		fn(record, idx)
	}
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int)
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}
