package search

import (
	"time"
)

// Example of what a SearchDoc looks like
/*
	{
	  "start_date": "2025-05-01T00:00:00Z",
	  "end_date": "2025-05-01T23:59:59Z",
	  "gate": "In",
	  "plate_number": "51F%",
	  "is_out": false,
	  "page": 1,
	  "page_size": 50
	}
*/
type SearchDoc struct {
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Gate        string `json:"gate"`
	PlateNumber string `json:"plate_number"`
	IsOut       *bool  `json:"is_out"`
	//for limit/offset paging
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

/* Example of what SearchResults json looks like
{
  "metadata": {
    "page_count": 3    // Total pages on first request, -1 for subsequent pages
  },
  "results": [
    {
      "id": "0196a0c4-8a1e-7d2a-9d0e-3f0c1b2a4e5f",
      "plate_number": "51F12345",
      "gate": "In",
      "is_out": false,
      "created_at": "2025-05-01T10:30:45Z",
      "face_img": "https://bucket.s3.wasabisys.com/faces/123.jpg?X-Amz-Algorithm=AWS4-HMAC-SHA256&[...]",
      "plate_img": "https://bucket.s3.wasabisys.com/plates/123.jpg?X-Amz-Algorithm=AWS4-HMAC-SHA256&[...]"
    }
  ]
}
*/

// the main struct that returns to caller as json
type SearchResults struct {
	Metadata       Metadata        `json:"metadata"`
	SessionRecords []SessionRecord `json:"results"`
}

type Metadata struct {
	PageCount int64 `json:"page_count"`
}

type SessionRecord struct {
	ID          string    `db:"id"           json:"id"`
	FaceUrl     string    `db:"face_url"     json:"face_url"`
	PlateUrl    string    `db:"plate_url"    json:"plate_url"`
	PlateNumber string    `db:"plate_number" json:"plate_number"`
	Gate        string    `db:"gate"         json:"gate"`
	IsOut       bool      `db:"is_out"       json:"is_out"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	FaceImg     string    `db:"-"            json:"face_img"`
	PlateImg    string    `db:"-"            json:"plate_img"`
}
