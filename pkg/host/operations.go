package host

// Navigate sends the child to an in-app route.
func (h *Host) Navigate(route string) (string, error) {
	return h.send(GoToPageCommand{Route: route})
}

// About asks the child for its organization and profile descriptor.
func (h *Host) About() (string, error) {
	return h.send(AboutCommand{})
}

// AuthToken asks the child for a bearer token for its current profile.
func (h *Host) AuthToken() (string, error) {
	return h.send(AuthTokenCommand{})
}

// CreateFile asks the child to create a file.
func (h *Host) CreateFile(p CreateFilePayload) (string, error) {
	return h.send(RestCommand{Action: ActionCreateFile, Payload: p})
}

// CreateFileFromURL creates a file named after the last path segment of rawURL.
func (h *Host) CreateFileFromURL(rawURL string, size int64, parentFolderUUID string) (string, error) {
	p := CreateFilePayload{
		Name:             FileNameFromURL(rawURL),
		RawURL:           rawURL,
		ParentFolderUUID: parentFolderUUID,
	}
	if size > 0 {
		p.FileSize = &size
	}
	return h.CreateFile(p)
}

// CreateFolder asks the child to create a folder.
func (h *Host) CreateFolder(p CreateFolderPayload) (string, error) {
	return h.send(RestCommand{Action: ActionCreateFolder, Payload: p})
}
