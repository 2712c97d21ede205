package api

type newSessionRequest struct {
	Offer string `json:"offer"`
}

type newSessionResponse struct {
	Answer string `json:"answer"`
}

type screenPayload struct {
	Index  int  `json:"index"`
	X      int  `json:"x"`
	Y      int  `json:"y"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Active bool `json:"active"`
}

type screensResponse struct {
	Screens []screenPayload `json:"screens"`
}

type errorResponse struct {
	Error string `json:"error"`
}
